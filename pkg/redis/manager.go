// Package redis is the shared Redis cache. Values larger than the configured
// thresholds are compressed and chunked; cache regions are Redis sets holding the
// keys that depend on them.
package redis

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Internal key suffixes, kept apart from caller keys
const (
	metadataSuffix = ":_internal:meta"
	chunkInfix     = ":_internal:chunk:"
	regionInfix    = ":region:"
)

// Manager manages Redis connections and cache operations
type Manager struct {
	config  *Config
	client  redis.UniversalClient
	metrics *Metrics
	logger  *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger for hits, misses and invalidations
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a new Redis cache manager
func NewManager(config *Config, opts ...Option) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	m := newManager(config, opts)
	if config.Enabled {
		m.client = newClient(config)
	}
	return m, nil
}

// NewManagerWithClient wraps an existing client. A nil config uses DefaultConfig.
func NewManagerWithClient(client redis.UniversalClient, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	m := newManager(config, opts)
	m.client = client
	return m
}

func newManager(config *Config, opts []Option) *Manager {
	m := &Manager{
		config:  config,
		metrics: NewMetrics(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newClient(config *Config) redis.UniversalClient {
	if config.IsClusterMode() {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           config.Cluster.Addresses,
			Username:        config.Cluster.Username,
			Password:        config.Cluster.Password,
			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.MaxConnAge,
			PoolTimeout:     config.PoolTimeout,
			ConnMaxIdleTime: config.IdleTimeout,
			ReadTimeout:     config.ReadTimeout,
			WriteTimeout:    config.WriteTimeout,
			DialTimeout:     config.DialTimeout,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:            config.GetAddr(),
		Password:        config.Password,
		DB:              config.Database,
		PoolSize:        config.PoolSize,
		MinIdleConns:    config.MinIdleConns,
		ConnMaxLifetime: config.MaxConnAge,
		PoolTimeout:     config.PoolTimeout,
		ConnMaxIdleTime: config.IdleTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		DialTimeout:     config.DialTimeout,
	})
}

// Config returns the manager's configuration
func (m *Manager) Config() *Config {
	return m.config
}

// Metrics returns the counters of this manager
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Close closes the Redis connection
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Ping tests the Redis connection; a disabled cache is not an error
func (m *Manager) Ping(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}
	if m.client == nil {
		return ErrClientNotInitialized
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// checkClient validates that cache is enabled and client is initialized
func (m *Manager) checkClient() error {
	if !m.config.Enabled {
		return ErrCacheDisabled
	}
	if m.client == nil {
		return ErrClientNotInitialized
	}
	return nil
}

// Get returns a stored value, reassembling chunks and decompressing as needed
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.checkClient(); err != nil {
		return nil, false, err
	}

	start := time.Now()
	data, found, err := m.getLarge(ctx, key)
	m.metrics.RecordGet(time.Since(start))

	switch {
	case err != nil:
		m.metrics.RecordCacheError()
		return nil, false, err
	case !found:
		m.metrics.RecordCacheMiss()
		if m.config.Logging.LogCacheMisses {
			m.logger.Debug("cache miss", zap.String("key", key))
		}
		return nil, false, nil
	}
	m.metrics.RecordCacheHit()
	if m.config.Logging.LogCacheHits {
		m.logger.Debug("cache hit", zap.String("key", key), zap.Int("bytes", len(data)))
	}
	return data, true, nil
}

// Insert stores value under key and adds key to the set of every region
func (m *Manager) Insert(ctx context.Context, key string, value []byte, regions ...string) error {
	if err := m.checkClient(); err != nil {
		return err
	}

	start := time.Now()
	err := m.setLarge(ctx, key, value)
	m.metrics.RecordSet(time.Since(start))
	if err != nil {
		m.metrics.RecordCacheError()
		return err
	}
	if len(regions) == 0 {
		return nil
	}

	pipe := m.client.Pipeline()
	for _, region := range regions {
		regionKey := m.regionKey(region)
		pipe.SAdd(ctx, regionKey, key)
		// region sets outlive their members so no key is left unreachable
		pipe.Expire(ctx, regionKey, m.config.DefaultTTL*2)
		m.metrics.RecordRegionLink()
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.metrics.RecordCacheError()
		return fmt.Errorf("failed to link regions: %w", err)
	}
	return nil
}

// Remove deletes a key including its chunks and metadata
func (m *Manager) Remove(ctx context.Context, key string) error {
	if err := m.checkClient(); err != nil {
		return err
	}

	start := time.Now()
	err := m.deleteLarge(ctx, key)
	m.metrics.RecordDelete(time.Since(start))
	return err
}

// ContainsKey reports whether key holds a plain or chunked value
func (m *Manager) ContainsKey(ctx context.Context, key string) (bool, error) {
	if err := m.checkClient(); err != nil {
		return false, err
	}
	n, err := m.client.Exists(ctx, key, key+metadataSuffix).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InvalidateRegion deletes every key linked to region, then the region set itself
func (m *Manager) InvalidateRegion(ctx context.Context, region string) error {
	if err := m.checkClient(); err != nil {
		return err
	}

	regionKey := m.regionKey(region)
	keys, err := m.client.SMembers(ctx, regionKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		m.metrics.RecordCacheError()
		return fmt.Errorf("failed to read region %s: %w", region, err)
	}

	var failed []error
	for _, key := range keys {
		if err := m.deleteLarge(ctx, key); err != nil {
			failed = append(failed, err)
		}
	}
	if err := m.client.Del(ctx, regionKey).Err(); err != nil {
		failed = append(failed, err)
	}
	m.metrics.RecordInvalidation()

	if m.config.Logging.LogInvalidations {
		m.logger.Debug("cache region invalidated",
			zap.String("region", region),
			zap.Int("keys", len(keys)))
	}
	if len(failed) > 0 {
		m.metrics.RecordCacheError()
		return fmt.Errorf("failed to invalidate region %s: %w", region, errors.Join(failed...))
	}
	return nil
}

// RegionKeys returns the keys currently linked to region
func (m *Manager) RegionKeys(ctx context.Context, region string) ([]string, error) {
	if err := m.checkClient(); err != nil {
		return nil, err
	}
	keys, err := m.client.SMembers(ctx, m.regionKey(region)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return keys, err
}

func (m *Manager) regionKey(region string) string {
	return m.config.KeyPrefix + regionInfix + region
}

// getLargeValueConfig returns large value configuration with fallback to defaults
func (m *Manager) getLargeValueConfig() (maxSize, chunkSize, compressThreshold int) {
	config := m.config.LargeValue

	maxSize = config.MaxValueSize
	if maxSize <= 0 {
		maxSize = 1024 * 1024 * 10 // 10MB default
	}

	chunkSize = config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1024 * 1024 * 2 // 2MB default
	}

	compressThreshold = config.CompressThreshold
	if compressThreshold <= 0 {
		compressThreshold = 1024 * 100 // 100KB default
	}
	return
}

// setLarge stores a value using compression and chunking if needed
func (m *Manager) setLarge(ctx context.Context, key string, value []byte) error {
	maxSize, chunkSize, compressThreshold := m.getLargeValueConfig()
	if len(value) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d bytes", ErrValueTooLarge, len(value), maxSize)
	}

	// a previous value may have been chunked or compressed
	if err := m.deleteLarge(ctx, key); err != nil {
		return err
	}

	processed := value
	compressed := false
	if m.config.LargeValue.EnableCompression && len(value) > compressThreshold {
		packed, err := compressData(value)
		if err != nil {
			return fmt.Errorf("failed to compress large value: %w", err)
		}
		if len(packed) < len(value) {
			processed = packed
			compressed = true
			m.metrics.RecordCompression(uint64(len(value) - len(packed)))
		}
	}

	ttl := m.config.DefaultTTL
	pipe := m.client.Pipeline()
	switch {
	case m.config.LargeValue.EnableChunking && len(processed) > chunkSize:
		m.metrics.RecordChunked()
		count := (len(processed) + chunkSize - 1) / chunkSize
		pipe.Set(ctx, key+metadataSuffix, fmt.Sprintf("chunked:%t:%d", compressed, count), ttl)
		for i := 0; i < count; i++ {
			end := min((i+1)*chunkSize, len(processed))
			pipe.Set(ctx, chunkKey(key, i), processed[i*chunkSize:end], ttl)
		}
	case compressed:
		pipe.Set(ctx, key+metadataSuffix, "single:true:1", ttl)
		pipe.Set(ctx, key, processed, ttl)
	default:
		pipe.Set(ctx, key, processed, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// getLarge reads a value written by setLarge
func (m *Manager) getLarge(ctx context.Context, key string) ([]byte, bool, error) {
	meta, err := m.client.Get(ctx, key+metadataSuffix).Result()
	if errors.Is(err, redis.Nil) {
		return m.getPlain(ctx, key)
	}
	if err != nil {
		return nil, false, err
	}

	kind, compressed, count, err := parseMetadata(meta)
	if err != nil {
		return nil, false, err
	}

	var data []byte
	if kind == "chunked" {
		var buf bytes.Buffer
		for i := 0; i < count; i++ {
			chunk, err := m.client.Get(ctx, chunkKey(key, i)).Bytes()
			if errors.Is(err, redis.Nil) {
				// a chunk expired before its metadata
				return nil, false, nil
			}
			if err != nil {
				return nil, false, fmt.Errorf("failed to get chunk %d: %w", i, err)
			}
			buf.Write(chunk)
		}
		data = buf.Bytes()
	} else {
		var found bool
		data, found, err = m.getPlain(ctx, key)
		if err != nil || !found {
			return nil, found, err
		}
	}

	if compressed {
		data, err = decompressData(data)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrCorruptValue, err)
		}
	}
	return data, true, nil
}

func (m *Manager) getPlain(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}
	return data, true, nil
}

// deleteLarge deletes a value including all chunks and metadata
func (m *Manager) deleteLarge(ctx context.Context, key string) error {
	keys := []string{key, key + metadataSuffix}

	meta, err := m.client.Get(ctx, key+metadataSuffix).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return err
	default:
		if kind, _, count, err := parseMetadata(meta); err == nil && kind == "chunked" {
			for i := 0; i < count; i++ {
				keys = append(keys, chunkKey(key, i))
			}
		}
	}
	return m.client.Del(ctx, keys...).Err()
}

func chunkKey(key string, i int) string {
	return key + chunkInfix + strconv.Itoa(i)
}

// parseMetadata reads "<kind>:<compressed>:<count>"
func parseMetadata(meta string) (kind string, compressed bool, count int, err error) {
	parts := strings.Split(meta, ":")
	if len(parts) != 3 || (parts[0] != "chunked" && parts[0] != "single") {
		return "", false, 0, fmt.Errorf("%w: invalid metadata %q", ErrCorruptValue, meta)
	}
	count, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", false, 0, fmt.Errorf("%w: invalid chunk count %q", ErrCorruptValue, parts[2])
	}
	return parts[0], parts[1] == "true", count, nil
}

// compressData compresses data using gzip
func compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressData decompresses gzip data
func decompressData(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
