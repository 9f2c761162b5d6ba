// Package config loads the settings of an orm4go application: engine, database,
// redis cache and logging.
package config

import (
	"fmt"

	"go.uber.org/zap/zapcore"

	"github.com/ammar0144/orm4go/pkg/db"
	"github.com/ammar0144/orm4go/pkg/orm"
	"github.com/ammar0144/orm4go/pkg/redis"
)

// Config is the root configuration document
type Config struct {
	ORM      orm.Config   `json:"orm" yaml:"orm"`
	Database db.Config    `json:"database" yaml:"database"`
	Redis    redis.Config `json:"redis" yaml:"redis"`
	Log      LogConfig    `json:"log" yaml:"log"`
}

// LogConfig controls the application logger
type LogConfig struct {
	Level       string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format      string `json:"format" yaml:"format"` // json, console
	Development bool   `json:"development" yaml:"development"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		ORM:      *orm.DefaultConfig(),
		Database: *db.DefaultConfig(),
		Redis:    *redis.DefaultConfig(),
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section. The database section is only checked once a
// database name is configured.
func (c *Config) Validate() error {
	if err := c.ORM.Validate(); err != nil {
		return fmt.Errorf("orm: %w", err)
	}
	if c.Database.Database != "" {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return c.Log.Validate()
}

// Validate checks the log level and format
func (c *LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Format {
	case "json", "console":
		return nil
	}
	return fmt.Errorf("log: unknown format %q", c.Format)
}
