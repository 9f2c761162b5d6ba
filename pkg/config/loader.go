package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes the environment variables read by Load. A double underscore
// separates sections: ORM4GO_DATABASE__MAX_OPEN_CONNS sets database.max_open_conns.
const EnvPrefix = "ORM4GO_"

// FileName is the config file looked up by Find
const FileName = "orm4go.yaml"

// Load reads the configuration. Precedence (highest to lowest): environment,
// config file, defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults that are not part of the section structs
	if err := k.Load(confmap.Provider(map[string]any{
		"log.level":  "info",
		"log.format": "json",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// 3. Environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps ORM4GO_REDIS__KEY_PREFIX to redis.key_prefix
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Find returns the path of orm4go.yaml in dir or one of its parents, or "" when
// there is none
func Find(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
