package tx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ammar0144/orm4go/pkg/entity"
)

var (
	// ErrInvalidForeignKeys matches every *InvalidForeignKeysError
	ErrInvalidForeignKeys = errors.New("invalid foreign keys")

	// ErrUnknownConnection is returned for a connection key without a store
	ErrUnknownConnection = errors.New("unknown connection key")

	// ErrRolledBack is returned by an outermost operation whose transaction was rolled
	// back because a nested operation failed
	ErrRolledBack = errors.New("transaction rolled back")

	// ErrNotActive is returned when a statement is written outside Begin/End
	ErrNotActive = errors.New("no active operation")
)

// InvalidForeignKeysError aggregates the entities whose required references were
// not satisfiable when they were saved
type InvalidForeignKeysError struct {
	Entities []*entity.Entity
}

func (e *InvalidForeignKeysError) Error() string {
	names := make([]string, len(e.Entities))
	for i, ent := range e.Entities {
		names[i] = ent.String()
	}
	return fmt.Sprintf("invalid foreign keys: %s", strings.Join(names, ", "))
}

// Is makes errors.Is(err, ErrInvalidForeignKeys) match
func (e *InvalidForeignKeysError) Is(target error) bool { return target == ErrInvalidForeignKeys }
