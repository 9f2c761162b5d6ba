package redis

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks cache performance statistics
type Metrics struct {
	// Cache hit/miss counters
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	cacheErrors atomic.Uint64

	// Operation counters
	getOperations    atomic.Uint64
	setOperations    atomic.Uint64
	deleteOperations atomic.Uint64

	// Timing metrics (in nanoseconds)
	totalGetLatency    atomic.Uint64
	totalSetLatency    atomic.Uint64
	totalDeleteLatency atomic.Uint64

	// Large value metrics
	compressionSaves  atomic.Uint64 // Bytes saved via compression
	chunkedOperations atomic.Uint64

	// Region metrics
	invalidations atomic.Uint64
	regionLinks   atomic.Uint64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCacheHit increments cache hit counter
func (m *Metrics) RecordCacheHit() { m.cacheHits.Add(1) }

// RecordCacheMiss increments cache miss counter
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Add(1) }

// RecordCacheError increments cache error counter
func (m *Metrics) RecordCacheError() { m.cacheErrors.Add(1) }

// RecordGet records a get operation with latency
func (m *Metrics) RecordGet(duration time.Duration) {
	m.getOperations.Add(1)
	m.totalGetLatency.Add(uint64(duration.Nanoseconds()))
}

// RecordSet records a set operation with latency
func (m *Metrics) RecordSet(duration time.Duration) {
	m.setOperations.Add(1)
	m.totalSetLatency.Add(uint64(duration.Nanoseconds()))
}

// RecordDelete records a delete operation with latency
func (m *Metrics) RecordDelete(duration time.Duration) {
	m.deleteOperations.Add(1)
	m.totalDeleteLatency.Add(uint64(duration.Nanoseconds()))
}

// RecordCompression records bytes saved via compression
func (m *Metrics) RecordCompression(bytesSaved uint64) { m.compressionSaves.Add(bytesSaved) }

// RecordChunked increments chunked operation counter
func (m *Metrics) RecordChunked() { m.chunkedOperations.Add(1) }

// RecordInvalidation increments the region invalidation counter
func (m *Metrics) RecordInvalidation() { m.invalidations.Add(1) }

// RecordRegionLink increments the key-to-region link counter
func (m *Metrics) RecordRegionLink() { m.regionLinks.Add(1) }

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	hits := m.cacheHits.Load()
	misses := m.cacheMisses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	getOps := m.getOperations.Load()
	setOps := m.setOperations.Load()
	deleteOps := m.deleteOperations.Load()

	return MetricsSnapshot{
		CacheHits:             hits,
		CacheMisses:           misses,
		CacheErrors:           m.cacheErrors.Load(),
		CacheHitRate:          hitRate,
		GetOperations:         getOps,
		SetOperations:         setOps,
		DeleteOperations:      deleteOps,
		AvgGetLatency:         average(m.totalGetLatency.Load(), getOps),
		AvgSetLatency:         average(m.totalSetLatency.Load(), setOps),
		AvgDeleteLatency:      average(m.totalDeleteLatency.Load(), deleteOps),
		CompressionBytesSaved: m.compressionSaves.Load(),
		ChunkedOperations:     m.chunkedOperations.Load(),
		Invalidations:         m.invalidations.Load(),
		RegionLinks:           m.regionLinks.Load(),
	}
}

func average(totalNanos, ops uint64) time.Duration {
	if ops == 0 {
		return 0
	}
	return time.Duration(totalNanos / ops)
}

// Reset resets all metrics counters
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.cacheHits, &m.cacheMisses, &m.cacheErrors,
		&m.getOperations, &m.setOperations, &m.deleteOperations,
		&m.totalGetLatency, &m.totalSetLatency, &m.totalDeleteLatency,
		&m.compressionSaves, &m.chunkedOperations,
		&m.invalidations, &m.regionLinks,
	} {
		c.Store(0)
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Cache metrics
	CacheHits    uint64
	CacheMisses  uint64
	CacheErrors  uint64
	CacheHitRate float64 // Percentage

	// Operation counts
	GetOperations    uint64
	SetOperations    uint64
	DeleteOperations uint64

	// Latency metrics
	AvgGetLatency    time.Duration
	AvgSetLatency    time.Duration
	AvgDeleteLatency time.Duration

	// Large value metrics
	CompressionBytesSaved uint64
	ChunkedOperations     uint64

	// Region metrics
	Invalidations uint64
	RegionLinks   uint64
}

var (
	descOperations = prometheus.NewDesc("orm4go_cache_operations_total",
		"Cache operations by kind", []string{"operation"}, nil)
	descResults = prometheus.NewDesc("orm4go_cache_results_total",
		"Cache lookups by result", []string{"result"}, nil)
	descCompressionSaved = prometheus.NewDesc("orm4go_cache_compression_saved_bytes_total",
		"Bytes saved by compressing large values", nil, nil)
	descInvalidations = prometheus.NewDesc("orm4go_cache_region_invalidations_total",
		"Region invalidations", nil, nil)
)

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descOperations
	ch <- descResults
	ch <- descCompressionSaved
	ch <- descInvalidations
}

// Collect implements prometheus.Collector from the atomic counters
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.GetSnapshot()
	ch <- prometheus.MustNewConstMetric(descOperations, prometheus.CounterValue, float64(s.GetOperations), "get")
	ch <- prometheus.MustNewConstMetric(descOperations, prometheus.CounterValue, float64(s.SetOperations), "set")
	ch <- prometheus.MustNewConstMetric(descOperations, prometheus.CounterValue, float64(s.DeleteOperations), "delete")
	ch <- prometheus.MustNewConstMetric(descResults, prometheus.CounterValue, float64(s.CacheHits), "hit")
	ch <- prometheus.MustNewConstMetric(descResults, prometheus.CounterValue, float64(s.CacheMisses), "miss")
	ch <- prometheus.MustNewConstMetric(descResults, prometheus.CounterValue, float64(s.CacheErrors), "error")
	ch <- prometheus.MustNewConstMetric(descCompressionSaved, prometheus.CounterValue, float64(s.CompressionBytesSaved))
	ch <- prometheus.MustNewConstMetric(descInvalidations, prometheus.CounterValue, float64(s.Invalidations))
}
