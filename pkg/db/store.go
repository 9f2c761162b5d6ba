// Package db is the store boundary: opening connections, executing literal SQL text
// and reading result rows keyed by column name.
package db

import "context"

// Row is one result row keyed by column name
type Row = map[string]any

// Store opens connections for one logical connection key
type Store interface {
	Open(ctx context.Context) (Conn, error)
}

// Conn is an open connection. Statements run inside the transaction started by
// Begin until Commit or Rollback; outside of it they run in autocommit mode.
type Conn interface {
	// Exec runs a statement and returns the number of affected rows
	Exec(ctx context.Context, sql string) (int64, error)
	// Query runs a statement and returns every result row
	Query(ctx context.Context, sql string) ([]Row, error)
	// Scalar returns the first column of the first row; nil when there is no row
	Scalar(ctx context.Context, sql string) (any, error)
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	// InTransaction reports whether Begin was called without a matching Commit or Rollback
	InTransaction() bool
	Close() error
}
