package db

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations
var (
	// ErrDatabaseOperation matches every *OperationError
	ErrDatabaseOperation = errors.New("database operation failed")

	// ErrConnClosed is returned when a closed connection is used
	ErrConnClosed = errors.New("connection is closed")

	// ErrTransactionActive is returned by Begin when a transaction is already open
	ErrTransactionActive = errors.New("transaction already active")

	// ErrNoTransaction is returned by Commit and Rollback without an open transaction
	ErrNoTransaction = errors.New("no active transaction")
)

// OperationError carries the SQL text of a failed statement and the driver error
type OperationError struct {
	SQL string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("database operation failed: %v\nSQL: %s", e.Err, strings.TrimSpace(e.SQL))
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDatabaseOperation) match
func (e *OperationError) Is(target error) bool { return target == ErrDatabaseOperation }

// WrapOperation wraps a driver error with the statement that caused it.
// A nil error stays nil and an existing *OperationError is returned unchanged.
func WrapOperation(sql string, err error) error {
	if err == nil {
		return nil
	}
	var op *OperationError
	if errors.As(err, &op) {
		return err
	}
	return &OperationError{SQL: sql, Err: err}
}

// IsOperation checks if an error is a wrapped store failure
func IsOperation(err error) bool {
	return errors.Is(err, ErrDatabaseOperation)
}
