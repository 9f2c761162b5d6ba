package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Manager is the MySQL store: a GORM connection pool handing out Conns that run
// literal SQL through GORM's raw statement path
type Manager struct {
	config *Config
	db     *gorm.DB
}

// NewDefaultManager creates a database manager with minimal configuration
func NewDefaultManager(host, database, username, password string) (*Manager, error) {
	config := DefaultConfig()
	config.Host = host
	config.Database = database
	config.Username = username
	config.Password = password

	return NewManager(config)
}

// NewManager creates a new database manager instance with full configuration
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dsn, err := config.DSN()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(mysql.Open(dsn), config.gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return &Manager{
		config: config,
		db:     db,
	}, nil
}

// NewManagerWithDB wraps an already opened GORM handle. A nil config uses DefaultConfig.
func NewManagerWithDB(db *gorm.DB, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{config: config, db: db}
}

// Open returns a connection bound to ctx
func (m *Manager) Open(ctx context.Context) (Conn, error) {
	if m.db == nil {
		return nil, ErrConnClosed
	}
	return &gormConn{db: m.db.WithContext(ctx), timeout: m.config.QueryTimeout}, nil
}

// DB returns the GORM database instance
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// SqlDB returns the underlying sql.DB instance
func (m *Manager) SqlDB() (*sql.DB, error) {
	return m.db.DB()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		sqlDB, err := m.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Config returns the manager's configuration
func (m *Manager) Config() *Config {
	return m.config
}

// Ping tests the database connection
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Stats returns database connection statistics
func (m *Manager) Stats() (sql.DBStats, error) {
	sqlDB, err := m.db.DB()
	if err != nil {
		return sql.DBStats{}, err
	}
	return sqlDB.Stats(), nil
}

// gormConn runs statements on the pool, or on the GORM transaction opened by Begin
type gormConn struct {
	db      *gorm.DB
	tx      *gorm.DB
	timeout time.Duration
	closed  bool
}

func (c *gormConn) session(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if c.closed {
		return nil, nil, ErrConnClosed
	}
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	if c.tx != nil {
		return c.tx.WithContext(ctx), cancel, nil
	}
	return c.db.WithContext(ctx), cancel, nil
}

func (c *gormConn) Exec(ctx context.Context, query string) (int64, error) {
	s, cancel, err := c.session(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	res := s.Exec(query)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (c *gormConn) Query(ctx context.Context, query string) ([]Row, error) {
	s, cancel, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rows, err := s.Raw(query).Rows()
	if err != nil {
		return nil, err
	}
	return ScanRows(rows)
}

func (c *gormConn) Scalar(ctx context.Context, query string) (any, error) {
	s, cancel, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	row := s.Raw(query).Row()
	if row == nil {
		return nil, s.Error
	}
	var v any
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (c *gormConn) Begin(ctx context.Context) error {
	if c.closed {
		return ErrConnClosed
	}
	if c.tx != nil {
		return ErrTransactionActive
	}
	tx := c.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	c.tx = tx
	return nil
}

func (c *gormConn) Commit() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit().Error
}

func (c *gormConn) Rollback() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback().Error
}

func (c *gormConn) InTransaction() bool { return c.tx != nil }

func (c *gormConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.tx != nil {
		err := c.tx.Rollback().Error
		c.tx = nil
		return err
	}
	return nil
}

func getLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Error // Default to error
	}
}
