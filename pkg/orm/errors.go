package orm

import (
	"errors"
)

var (
	// ErrNotFound is returned by Refresh when the row of a saved entity is gone
	ErrNotFound = errors.New("orm: entity not found")

	// ErrMissingKey is returned when an entity without a key cannot be given one
	ErrMissingKey = errors.New("orm: entity has no key and its type has no id generator")

	// ErrMixedTypes is returned by BulkInsert for items of different types
	ErrMixedTypes = errors.New("orm: bulk insert items must share one type")

	// ErrNoStore is returned when a type's connection key has no store
	ErrNoStore = errors.New("orm: no store for connection key")

	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("orm: session is closed")
)

// IsNotFound checks if an error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
