package db

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// QueryStats holds statement execution statistics
type QueryStats struct {
	TotalQueries  atomic.Int64
	TotalExecs    atomic.Int64
	TotalDuration atomic.Int64 // nanoseconds
	SlowQueries   atomic.Int64
	Errors        atomic.Int64
}

// StatsSnapshot is a point-in-time copy of QueryStats
type StatsSnapshot struct {
	TotalQueries  int64
	TotalExecs    int64
	TotalDuration time.Duration
	SlowQueries   int64
	Errors        int64
}

// Snapshot returns the current statistics
func (s *QueryStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalQueries:  s.TotalQueries.Load(),
		TotalExecs:    s.TotalExecs.Load(),
		TotalDuration: time.Duration(s.TotalDuration.Load()),
		SlowQueries:   s.SlowQueries.Load(),
		Errors:        s.Errors.Load(),
	}
}

// Reset zeroes all counters
func (s *QueryStats) Reset() {
	s.TotalQueries.Store(0)
	s.TotalExecs.Store(0)
	s.TotalDuration.Store(0)
	s.SlowQueries.Store(0)
	s.Errors.Store(0)
}

// AvgDuration returns the mean statement duration
func (s StatsSnapshot) AvgDuration() time.Duration {
	total := s.TotalQueries + s.TotalExecs
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("queries=%d execs=%d duration=%s avg=%s slow=%d errors=%d",
		s.TotalQueries, s.TotalExecs, s.TotalDuration, s.AvgDuration(), s.SlowQueries, s.Errors)
}

// InstrumentOption configures an InstrumentedStore
type InstrumentOption func(*InstrumentedStore)

// WithLogger sets the logger for statements and slow queries
func WithLogger(logger *zap.Logger) InstrumentOption {
	return func(s *InstrumentedStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSlowThreshold sets the duration above which a statement counts as slow; 0 disables it
func WithSlowThreshold(d time.Duration) InstrumentOption {
	return func(s *InstrumentedStore) { s.slowThreshold = d }
}

// WithStatementLog logs every statement at debug level
func WithStatementLog(enabled bool) InstrumentOption {
	return func(s *InstrumentedStore) { s.logStatements = enabled }
}

// WithRegisterer registers prometheus collectors on reg under the given namespace
func WithRegisterer(reg prometheus.Registerer, namespace string) InstrumentOption {
	return func(s *InstrumentedStore) {
		factory := promauto.With(reg)
		s.statements = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "statements_total",
			Help:      "Total number of executed statements",
		}, []string{"connection", "statement", "result"})
		s.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "statement_duration_seconds",
			Help:      "Duration of statement execution in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connection", "statement"})
	}
}

// LoggingOptions translates the logging section of a Config into options
func LoggingOptions(cfg LoggingConfig) []InstrumentOption {
	opts := []InstrumentOption{WithStatementLog(cfg.LogQueries)}
	if cfg.LogSlowQueries {
		opts = append(opts, WithSlowThreshold(cfg.SlowQueryThreshold))
	} else {
		opts = append(opts, WithSlowThreshold(0))
	}
	return opts
}

// InstrumentedStore decorates a Store with statistics, prometheus metrics and zap logging
type InstrumentedStore struct {
	store         Store
	name          string
	stats         *QueryStats
	logger        *zap.Logger
	slowThreshold time.Duration
	logStatements bool
	statements    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// Instrument wraps store; name labels its metrics and log lines
func Instrument(store Store, name string, opts ...InstrumentOption) *InstrumentedStore {
	s := &InstrumentedStore{
		store:         store,
		name:          name,
		stats:         &QueryStats{},
		logger:        zap.NewNop(),
		slowThreshold: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the statistics collected so far
func (s *InstrumentedStore) Stats() *QueryStats { return s.stats }

// Unwrap returns the decorated store
func (s *InstrumentedStore) Unwrap() Store { return s.store }

// Open opens a connection on the decorated store
func (s *InstrumentedStore) Open(ctx context.Context) (Conn, error) {
	conn, err := s.store.Open(ctx)
	if err != nil {
		s.logger.Error("failed to open connection", zap.String("connection", s.name), zap.Error(err))
		return nil, err
	}
	return &instrumentedConn{Conn: conn, store: s}, nil
}

func (s *InstrumentedStore) record(sql string, start time.Time, err error, isQuery bool) {
	elapsed := time.Since(start)
	if isQuery {
		s.stats.TotalQueries.Add(1)
	} else {
		s.stats.TotalExecs.Add(1)
	}
	s.stats.TotalDuration.Add(int64(elapsed))

	verb := statementVerb(sql)
	result := "ok"
	if err != nil {
		result = "error"
		s.stats.Errors.Add(1)
	}
	if s.statements != nil {
		s.statements.WithLabelValues(s.name, verb, result).Inc()
		s.duration.WithLabelValues(s.name, verb).Observe(elapsed.Seconds())
	}

	if s.logStatements {
		s.logger.Debug("statement executed",
			zap.String("connection", s.name),
			zap.String("sql", sql),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	}
	if s.slowThreshold > 0 && elapsed > s.slowThreshold {
		s.stats.SlowQueries.Add(1)
		s.logger.Warn("slow statement",
			zap.String("connection", s.name),
			zap.String("sql", sql),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", s.slowThreshold))
	}
}

// statementVerb returns the leading keyword of a statement in lower case
func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}

type instrumentedConn struct {
	Conn
	store *InstrumentedStore
}

func (c *instrumentedConn) Exec(ctx context.Context, sql string) (int64, error) {
	start := time.Now()
	n, err := c.Conn.Exec(ctx, sql)
	c.store.record(sql, start, err, false)
	return n, err
}

func (c *instrumentedConn) Query(ctx context.Context, sql string) ([]Row, error) {
	start := time.Now()
	rows, err := c.Conn.Query(ctx, sql)
	c.store.record(sql, start, err, true)
	return rows, err
}

func (c *instrumentedConn) Scalar(ctx context.Context, sql string) (any, error) {
	start := time.Now()
	v, err := c.Conn.Scalar(ctx, sql)
	c.store.record(sql, start, err, true)
	return v, err
}
