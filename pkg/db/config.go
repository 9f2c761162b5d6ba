package db

import (
	"cmp"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-sql-driver/mysql"
)

// Validate checks the connection, pool and TLS settings
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("database host is required")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("database port must be between 1 and 65535, got %d", c.Port)
	case c.Database == "":
		return fmt.Errorf("database name is required")
	case c.Username == "":
		return fmt.Errorf("database username is required")
	case c.MaxOpenConns < 1:
		return fmt.Errorf("max_open_conns must be at least 1")
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns cannot be greater than max_open_conns")
	case c.QueryTimeout < 0:
		return fmt.Errorf("query_timeout must not be negative")
	}
	if c.SSL.Enabled && !c.SSL.SkipVerify {
		if err := c.SSL.validate(); err != nil {
			return fmt.Errorf("TLS configuration error: %w", err)
		}
	}
	return nil
}

// validate checks that the referenced certificate files can be read
func (s SSLConfig) validate() error {
	if (s.CertFile == "") != (s.KeyFile == "") {
		return fmt.Errorf("both CertFile and KeyFile must be provided together")
	}
	var errs []error
	for _, f := range []struct{ what, path string }{
		{"CA file", s.CAFile},
		{"client certificate file", s.CertFile},
		{"client key file", s.KeyFile},
	} {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			errs = append(errs, fmt.Errorf("%s not accessible: %w", f.what, err))
		}
	}
	return errors.Join(errs...)
}

// DSN returns the MySQL data source name. With SSL enabled and verification on, the
// TLS settings are registered with the driver under a name derived from the files.
func (c *Config) DSN() (string, error) {
	loc, err := time.LoadLocation(cmp.Or(c.TimeZone, "UTC"))
	if err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	cfg.DBName = c.Database
	cfg.Collation = c.Collation
	cfg.Loc = loc
	cfg.ParseTime = true

	switch {
	case !c.SSL.Enabled:
	case c.SSL.SkipVerify:
		cfg.TLSConfig = "skip-verify"
	default:
		tlsConfig, err := c.SSL.build()
		if err != nil {
			return "", err
		}
		name := c.SSL.registrationName()
		if err := mysql.RegisterTLSConfig(name, tlsConfig); err != nil {
			return "", fmt.Errorf("failed to register TLS config: %w", err)
		}
		cfg.TLSConfig = name
	}
	return cfg.FormatDSN(), nil
}

func (s SSLConfig) build() (*tls.Config, error) {
	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: s.ServerName}
	if strings.EqualFold(strings.ReplaceAll(s.MinVersion, " ", ""), "TLS1.3") {
		out.MinVersion = tls.VersionTLS13
	}
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA file %s holds no certificate", s.CAFile)
		}
		out.RootCAs = pool
	}
	if s.CertFile != "" && s.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// registrationName is stable for equal settings, so configs sharing files share a name
func (s SSLConfig) registrationName() string {
	h := xxhash.New()
	for _, part := range []string{s.CAFile, s.CertFile, s.KeyFile, s.ServerName, s.MinVersion} {
		_, _ = h.WriteString(part)
		_, _ = h.WriteString("\x00")
	}
	return "orm4go_" + strconv.FormatUint(h.Sum64(), 16)
}
