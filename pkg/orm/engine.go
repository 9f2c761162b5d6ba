// Package orm is the persistence orchestrator: it strings the change tracker, the
// statement builder and the transaction coordinator together behind Load, Save and
// Delete operations.
package orm

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ammar0144/orm4go/pkg/audit"
	"github.com/ammar0144/orm4go/pkg/cache"
	"github.com/ammar0144/orm4go/pkg/db"
	"github.com/ammar0144/orm4go/pkg/dialect"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/query"
	"github.com/ammar0144/orm4go/pkg/schema"
	"github.com/ammar0144/orm4go/pkg/tx"
)

// DefaultConnection is the connection key of types that do not declare one
const DefaultConnection = "default"

// Config holds the engine settings
type Config struct {
	Dialect      string `json:"dialect" yaml:"dialect"`             // mysql, postgres, sqlite, sqlserver
	TablePrefix  string `json:"table_prefix" yaml:"table_prefix"`
	PagingPolicy string `json:"paging_policy" yaml:"paging_policy"` // warn, patch, fail
	BatchSize    int    `json:"batch_size" yaml:"batch_size"`       // rows per bulk INSERT

	// Cache
	CacheEnabled bool          `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultConfig returns an engine configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Dialect:      "mysql",
		PagingPolicy: "warn",
		BatchSize:    500,
		CacheEnabled: true,
		CacheTTL:     10 * time.Minute,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if _, err := dialect.Lookup(c.Dialect); err != nil {
		return err
	}
	if _, err := query.ParsePagingPolicy(c.PagingPolicy); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	return nil
}

// Option configures an Engine
type Option func(*Engine)

// WithStore binds a connection key to a store
func WithStore(key string, store db.Store) Option {
	return func(e *Engine) { e.stores[key] = store }
}

// WithDialect sets the SQL dialect (default MySQL)
func WithDialect(d *dialect.Dialect) Option {
	return func(e *Engine) { e.dialect = d }
}

// WithCache sets the shared cache (default cache.Nop)
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithAudit sets the audit trail sink (default audit.Nop)
func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithErrorSink sets the sink of failed operations (default audit.Nop)
func WithErrorSink(sink audit.ErrorSink) Option {
	return func(e *Engine) { e.errors = sink }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPagingPolicy sets what happens to paged selects without an order
func WithPagingPolicy(p query.PagingPolicy) Option {
	return func(e *Engine) { e.paging = p }
}

// WithBatchSize sets the number of rows per bulk INSERT statement
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithConfig applies dialect, table prefix, paging policy and batch size from a Config
func WithConfig(cfg *Config) Option {
	return func(e *Engine) {
		if d, err := dialect.Lookup(cfg.Dialect); err == nil {
			e.dialect = d
		}
		if cfg.TablePrefix != "" {
			e.prefix = cfg.TablePrefix
		}
		if p, err := query.ParsePagingPolicy(cfg.PagingPolicy); err == nil {
			e.paging = p
		}
		if cfg.BatchSize > 0 {
			e.batchSize = cfg.BatchSize
		}
	}
}

// Engine holds what every session of an application shares: the registry, the
// stores per connection key, the cache and the log sinks. It is safe for concurrent use.
type Engine struct {
	reg       *schema.Registry
	stores    map[string]db.Store
	dialect   *dialect.Dialect
	prefix    string
	cache     cache.Cache
	audit     audit.Sink
	errors    audit.ErrorSink
	logger    *zap.Logger
	paging    query.PagingPolicy
	batchSize int
	queries   *query.Factory
}

// NewEngine creates an engine over a sealed registry. Every connection key used by
// a registered type must have a store.
func NewEngine(reg *schema.Registry, opts ...Option) (*Engine, error) {
	if !reg.Sealed() {
		return nil, schema.ErrNotSealed
	}
	e := &Engine{
		reg:       reg,
		stores:    make(map[string]db.Store),
		dialect:   dialect.MySQL,
		cache:     cache.Nop{},
		audit:     audit.Nop{},
		errors:    audit.Nop{},
		logger:    zap.NewNop(),
		paging:    query.PagingWarn,
		batchSize: 500,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prefix != "" {
		e.dialect = e.dialect.WithTablePrefix(e.prefix)
	}

	for _, t := range reg.Types() {
		key := connectionKey(t)
		if _, ok := e.stores[key]; !ok {
			return nil, fmt.Errorf("%w: %q (type %s)", ErrNoStore, key, t.Name)
		}
	}

	e.queries = query.New(reg, e.dialect,
		query.WithLogger(e.logger.Named("query")),
		query.WithPagingPolicy(e.paging))
	return e, nil
}

// Registry returns the schema registry
func (e *Engine) Registry() *schema.Registry { return e.reg }

// Dialect returns the SQL dialect
func (e *Engine) Dialect() *dialect.Dialect { return e.dialect }

// Queries returns the statement factory, for building Find queries
func (e *Engine) Queries() *query.Factory { return e.queries }

// Cache returns the shared cache
func (e *Engine) Cache() cache.Cache { return e.cache }

// NewSession starts a request scope; close it when the request ends
func (e *Engine) NewSession() *Session {
	return &Session{
		engine:   e,
		coord:    tx.NewCoordinator(e.stores, tx.WithCache(e.cache), tx.WithLogger(e.logger.Named("tx"))),
		identity: make(map[string]map[string]*entity.Entity),
		logger:   e.logger,
	}
}

func connectionKey(t *schema.EntityType) string {
	if t.ConnectionKey == "" {
		return DefaultConnection
	}
	return t.ConnectionKey
}
