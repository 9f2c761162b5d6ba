package query

import (
	"errors"
	"fmt"
)

// ErrUsage is the root of every error caused by an invalid builder call
var ErrUsage = errors.New("query: invalid usage")

var (
	// ErrInvalidIn is returned when an IN/NOT IN value is empty or of an unsupported shape
	ErrInvalidIn = fmt.Errorf("%w: IN requires a non-empty list, collection or nested query", ErrUsage)

	// ErrNoRelationship is returned when no join can be derived between two types
	ErrNoRelationship = fmt.Errorf("%w: cannot derive relationship, specify explicit columns", ErrUsage)

	// ErrAmbiguousRelationship is returned when several joins could be derived
	ErrAmbiguousRelationship = fmt.Errorf("%w: ambiguous relationship, specify explicit columns", ErrUsage)

	// ErrUnsupportedValue is returned when a value has no SQL literal form
	ErrUnsupportedValue = fmt.Errorf("%w: unsupported value type", ErrUsage)

	// ErrUnsortedPaging is returned under PagingFail when paging has no sort order
	ErrUnsortedPaging = fmt.Errorf("%w: paging requires an order", ErrUsage)
)

// IsUsage checks if an error was caused by an invalid builder call
func IsUsage(err error) bool {
	return errors.Is(err, ErrUsage)
}
