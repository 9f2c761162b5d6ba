package entity

import "errors"

var (
	// ErrReadOnly is returned when setting a projection
	ErrReadOnly = errors.New("entity: property is read-only")

	// ErrNotCollection is returned when a collection is requested for a non-collection property
	ErrNotCollection = errors.New("entity: property is not a collection")

	// ErrNotReference is returned when a reference is requested for a non-reference property
	ErrNotReference = errors.New("entity: property is not a reference")

	// ErrTypeMismatch is returned when an entity of the wrong type is assigned or added
	ErrTypeMismatch = errors.New("entity: entity type mismatch")

	// ErrInvalidEnum is returned when an enum property is set to an undeclared name
	ErrInvalidEnum = errors.New("entity: invalid enum value")

	// ErrKeyChange is returned when the key of a saved entity is modified
	ErrKeyChange = errors.New("entity: key of a saved entity cannot change")

	// ErrNoScope is returned when a lazy load is attempted on a detached entity
	ErrNoScope = errors.New("entity: entity is not attached to a session")
)
