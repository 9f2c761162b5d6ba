package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore is a Store over any database/sql driver
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open *sql.DB
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB returns the underlying pool
func (s *SQLStore) DB() *sql.DB { return s.db }

// Open reserves a pooled connection
func (s *SQLStore) Open(ctx context.Context) (Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	return &sqlConn{conn: conn}, nil
}

// Close closes the pool
func (s *SQLStore) Close() error { return s.db.Close() }

// executor is implemented by *sql.Conn and *sql.Tx
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlConn struct {
	conn *sql.Conn
	tx   *sql.Tx
}

func (c *sqlConn) executor() (executor, error) {
	if c.conn == nil {
		return nil, ErrConnClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.conn, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string) (int64, error) {
	ex, err := c.executor()
	if err != nil {
		return 0, err
	}
	res, err := ex.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// some drivers do not report affected rows
		return 0, nil
	}
	return n, nil
}

func (c *sqlConn) Query(ctx context.Context, query string) ([]Row, error) {
	ex, err := c.executor()
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return ScanRows(rows)
}

func (c *sqlConn) Scalar(ctx context.Context, query string) (any, error) {
	ex, err := c.executor()
	if err != nil {
		return nil, err
	}
	var v any
	if err := ex.QueryRowContext(ctx, query).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (c *sqlConn) Begin(ctx context.Context) error {
	if c.conn == nil {
		return ErrConnClosed
	}
	if c.tx != nil {
		return ErrTransactionActive
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Commit() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

func (c *sqlConn) Rollback() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

func (c *sqlConn) InTransaction() bool { return c.tx != nil }

// Close rolls back a dangling transaction and returns the connection to the pool
func (c *sqlConn) Close() error {
	if c.conn == nil {
		return nil
	}
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	conn := c.conn
	c.conn = nil
	return conn.Close()
}

// ScanRows reads every row into a column-keyed map and closes rows
func ScanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
