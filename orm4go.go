// Package orm4go maps registered entity types onto relational tables, with an
// identity-mapped session, transactional cascades and a shared read cache.
package orm4go

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ammar0144/orm4go/pkg/audit"
	"github.com/ammar0144/orm4go/pkg/cache"
	"github.com/ammar0144/orm4go/pkg/config"
	"github.com/ammar0144/orm4go/pkg/db"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/orm"
	"github.com/ammar0144/orm4go/pkg/redis"
	"github.com/ammar0144/orm4go/pkg/repository"
	"github.com/ammar0144/orm4go/pkg/schema"
)

// Config is the root configuration document
type Config = config.Config

// Engine is shared by every session of an application
type Engine = orm.Engine

// Session is a unit of work with its own identity map
type Session = orm.Session

// Registry holds the entity types
type Registry = schema.Registry

// Entity is one mapped row
type Entity = entity.Entity

// Mapping converts between a Go value and an Entity
type Mapping[T any] = repository.Mapping[T]

// Repository provides the generic repository interface
type Repository[T any] interface {
	repository.Repository[T]
}

// LoadConfig reads a YAML file, when path is not empty, over the defaults and
// applies ORM4GO_ environment overrides
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewRegistry creates an empty type registry
func NewRegistry() *Registry {
	return schema.NewRegistry()
}

// NewType starts the declaration of an entity type
func NewType(name string) *schema.TypeBuilder {
	return schema.NewType(name)
}

// NewEngine creates an engine over a sealed registry
func NewEngine(reg *Registry, opts ...orm.Option) (*Engine, error) {
	return orm.NewEngine(reg, opts...)
}

// NewManager creates a new database manager
func NewManager(config *db.Config) (*db.Manager, error) {
	return db.NewManager(config)
}

// NewRedisManager creates a new Redis manager
func NewRedisManager(config *redis.Config) (*redis.Manager, error) {
	return redis.NewManager(config)
}

// NewRepository creates a repository for the mapped type on top of a session
func NewRepository[T any](s *Session, m Mapping[T], opts ...repository.Option) (Repository[T], error) {
	return repository.NewGenericRepository(s, m, opts...)
}

// Client is everything Open connects: the engine and the resources behind it
type Client struct {
	Engine   *Engine
	Database *db.Manager
	Redis    *redis.Manager
	Store    *db.InstrumentedStore
	Logger   *zap.Logger
}

// Open builds the logger, connects the database and the cache a Config describes
// and creates an engine over reg with them. Every type is served by the one
// database connection. Options are applied after the configured ones.
func Open(cfg *Config, reg *Registry, opts ...orm.Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	c := &Client{Logger: logger}
	c.Database, err = db.NewManager(&cfg.Database)
	if err != nil {
		return nil, err
	}
	c.Store = db.Instrument(c.Database, orm.DefaultConnection,
		append(db.LoggingOptions(cfg.Database.Logging), db.WithLogger(logger.Named("store")))...)

	var shared cache.Cache = cache.Nop{}
	switch {
	case !cfg.ORM.CacheEnabled:
	case cfg.Redis.Enabled:
		c.Redis, err = redis.NewManager(&cfg.Redis, redis.WithLogger(logger.Named("redis")))
		if err != nil {
			c.Database.Close()
			return nil, err
		}
		shared = c.Redis
	default:
		shared = cache.NewMemory(cfg.ORM.CacheTTL, 2*cfg.ORM.CacheTTL)
	}

	stores := make(map[string]bool)
	for _, t := range reg.Types() {
		stores[t.ConnectionKey] = true
	}
	base := []orm.Option{
		orm.WithConfig(&cfg.ORM),
		orm.WithStore(orm.DefaultConnection, c.Store),
		orm.WithCache(shared),
		orm.WithLogger(logger),
		orm.WithErrorSink(audit.NewZapErrorSink(logger.Named("errors"))),
	}
	for key := range stores {
		if key != "" {
			base = append(base, orm.WithStore(key, c.Store))
		}
	}

	c.Engine, err = orm.NewEngine(reg, append(base, opts...)...)
	if err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("orm4go ready",
		zap.String("dialect", cfg.ORM.Dialect),
		zap.Bool("cache", cfg.ORM.CacheEnabled),
		zap.Bool("redis", cfg.Redis.Enabled))
	return c, nil
}

// Close releases the database and cache connections
func (c *Client) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.Database != nil {
		errs = append(errs, c.Database.Close())
	}
	_ = c.Logger.Sync()
	return errors.Join(errs...)
}
