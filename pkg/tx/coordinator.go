// Package tx coordinates nested persistence operations over one connection and one
// transaction per logical connection key.
package tx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ammar0144/orm4go/pkg/cache"
	"github.com/ammar0144/orm4go/pkg/db"
	"github.com/ammar0144/orm4go/pkg/entity"
)

// Executor runs statements; store failures come back as *db.OperationError
type Executor interface {
	Exec(ctx context.Context, sql string) (int64, error)
	Query(ctx context.Context, sql string) ([]db.Row, error)
	Scalar(ctx context.Context, sql string) (any, error)
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithCache sets the cache whose regions are invalidated on commit
func WithCache(c cache.Cache) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.cache = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(co *Coordinator) {
		if logger != nil {
			co.logger = logger
		}
	}
}

// Coordinator holds the transaction contexts of one request scope. It is not safe
// for concurrent use.
type Coordinator struct {
	stores   map[string]db.Store
	contexts map[string]*Context
	cache    cache.Cache
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator over the stores of each connection key
func NewCoordinator(stores map[string]db.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		stores:   stores,
		contexts: make(map[string]*Context),
		cache:    cache.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Context returns the transaction context of a connection key
func (c *Coordinator) Context(key string) (*Context, error) {
	if tc, ok := c.contexts[key]; ok {
		return tc, nil
	}
	store, ok := c.stores[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, key)
	}
	tc := &Context{
		key:    key,
		store:  store,
		cache:  c.cache,
		logger: c.logger.With(zap.String("connection", key)),
	}
	c.contexts[key] = tc
	return tc, nil
}

// Depth returns the nesting depth of a connection key
func (c *Coordinator) Depth(key string) int {
	if tc, ok := c.contexts[key]; ok {
		return tc.depth
	}
	return 0
}

// Run executes fn as one logical operation: Begin, then Finalize with the outcome
// of fn, then End. The connection is released on every path, panics included.
func (c *Coordinator) Run(ctx context.Context, key string, fn func(tc *Context) error) (err error) {
	tc, err := c.Context(key)
	if err != nil {
		return err
	}
	if err := tc.Begin(ctx); err != nil {
		return err
	}

	finalized := false
	defer func() {
		if !finalized {
			_ = tc.Finalize(ctx, true)
		}
		if endErr := tc.End(); err == nil {
			err = endErr
		}
	}()

	err = fn(tc)
	if err != nil && tc.cause == nil {
		tc.cause = err
	}
	finalized = true
	if finErr := tc.Finalize(ctx, err != nil); err == nil {
		err = finErr
	}
	return err
}

// Detached runs fn on an independent connection without a transaction, for types
// whose writes must survive a rollback of the surrounding operation
func (c *Coordinator) Detached(ctx context.Context, key string, fn func(ex Executor) error) error {
	store, ok := c.stores[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownConnection, key)
	}
	conn, err := store.Open(ctx)
	if err != nil {
		return db.WrapOperation("OPEN", err)
	}
	defer conn.Close()
	return fn(connExecutor{conn: conn})
}

// Close rolls back and releases every context left open
func (c *Coordinator) Close() error {
	var firstErr error
	for key, tc := range c.contexts {
		if tc.conn == nil {
			continue
		}
		c.logger.Warn("releasing unfinished operation", zap.String("connection", key), zap.Int("depth", tc.depth))
		tc.rollback(context.Background(), "scope closed")
		if err := tc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		tc.conn = nil
		tc.depth = 0
	}
	return firstErr
}

// Context is the state of one connection key: nesting depth, the open connection
// and transaction, cache regions to drop on commit and entities that failed
// foreign-key validation
type Context struct {
	key    string
	store  db.Store
	cache  cache.Cache
	logger *zap.Logger

	depth      int
	conn       db.Conn
	failed     bool
	cause      error
	regions    []string
	invalid    []*entity.Entity
	onRollback []func(ctx context.Context)
	onCommit   []func(ctx context.Context)
}

// Key returns the connection key
func (tc *Context) Key() string { return tc.key }

// Depth returns the nesting depth
func (tc *Context) Depth() int { return tc.depth }

// Active reports whether a transaction is open
func (tc *Context) Active() bool { return tc.conn != nil && tc.conn.InTransaction() }

// Begin enters an operation; the outermost one opens the connection and the transaction
func (tc *Context) Begin(ctx context.Context) error {
	if tc.depth == 0 {
		conn, err := tc.store.Open(ctx)
		if err != nil {
			return db.WrapOperation("OPEN", err)
		}
		if err := conn.Begin(ctx); err != nil {
			conn.Close()
			return db.WrapOperation("BEGIN", err)
		}
		tc.conn = conn
		tc.logger.Debug("transaction started")
	}
	tc.depth++
	return nil
}

// Finalize settles an operation. Nested operations only record a failure; the
// outermost one commits, or rolls back when any operation failed or an entity was
// registered invalid, in which case an *InvalidForeignKeysError is returned. An
// outermost operation that succeeded itself but follows a failed nested one gets
// ErrRolledBack wrapping the first recorded failure.
func (tc *Context) Finalize(ctx context.Context, failed bool) error {
	if failed {
		tc.failed = true
	}
	if tc.depth != 1 || !tc.Active() {
		return nil
	}

	if tc.failed {
		cause := tc.cause
		tc.rollback(ctx, "operation failed")
		switch {
		case failed:
			return nil
		case cause != nil:
			return fmt.Errorf("%w: %w", ErrRolledBack, cause)
		}
		return ErrRolledBack
	}
	if len(tc.invalid) > 0 {
		err := &InvalidForeignKeysError{Entities: tc.invalid}
		tc.rollback(ctx, "invalid foreign keys")
		return err
	}

	if err := tc.conn.Commit(); err != nil {
		tc.rollback(ctx, "commit failed")
		return db.WrapOperation("COMMIT", err)
	}
	tc.logger.Debug("transaction committed", zap.Strings("invalidate", tc.regions))

	for _, region := range tc.regions {
		if err := tc.cache.InvalidateRegion(ctx, region); err != nil {
			tc.logger.Warn("cache invalidation failed", zap.String("region", region), zap.Error(err))
		}
	}
	callbacks := tc.onCommit
	tc.reset()
	for _, fn := range callbacks {
		fn(ctx)
	}
	return nil
}

// End leaves an operation; the outermost one rolls back an unsettled transaction
// and closes the connection. A negative depth is an unrecoverable bookkeeping bug.
func (tc *Context) End() error {
	tc.depth--
	if tc.depth < 0 {
		panic(fmt.Sprintf("tx: negative transaction depth on connection %q", tc.key))
	}
	if tc.depth > 0 {
		return nil
	}
	if tc.Active() {
		tc.rollback(context.Background(), "operation not finalized")
	}
	tc.reset()
	conn := tc.conn
	tc.conn = nil
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (tc *Context) rollback(ctx context.Context, reason string) {
	if tc.conn != nil && tc.conn.InTransaction() {
		if err := tc.conn.Rollback(); err != nil {
			tc.logger.Error("rollback failed", zap.String("reason", reason), zap.Error(err))
		}
	}
	tc.logger.Warn("transaction rolled back", zap.String("reason", reason))
	callbacks := tc.onRollback
	tc.reset()
	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i](ctx)
	}
}

func (tc *Context) reset() {
	tc.failed = false
	tc.cause = nil
	tc.regions = nil
	tc.invalid = nil
	tc.onRollback = nil
	tc.onCommit = nil
}

// MarkInvalidate schedules cache regions to be dropped when the transaction commits
func (tc *Context) MarkInvalidate(regions ...string) {
	for _, r := range regions {
		if !contains(tc.regions, r) {
			tc.regions = append(tc.regions, r)
		}
	}
}

// RegisterInvalid records an entity whose required references could not be satisfied
func (tc *Context) RegisterInvalid(e *entity.Entity) {
	for _, known := range tc.invalid {
		if known == e {
			return
		}
	}
	tc.invalid = append(tc.invalid, e)
}

// Invalid returns the entities registered invalid in the current transaction
func (tc *Context) Invalid() []*entity.Entity { return append([]*entity.Entity(nil), tc.invalid...) }

// OnRollback registers fn to run after the transaction rolls back; callbacks run in reverse order
func (tc *Context) OnRollback(fn func(ctx context.Context)) { tc.onRollback = append(tc.onRollback, fn) }

// OnCommit registers fn to run after the transaction commits
func (tc *Context) OnCommit(fn func(ctx context.Context)) { tc.onCommit = append(tc.onCommit, fn) }

// Exec runs a statement inside the open transaction
func (tc *Context) Exec(ctx context.Context, sql string) (int64, error) {
	if tc.conn == nil {
		return 0, fmt.Errorf("%w on connection %q", ErrNotActive, tc.key)
	}
	n, err := tc.conn.Exec(ctx, sql)
	return n, db.WrapOperation(sql, err)
}

// Query reads inside the open transaction, or on a short-lived connection when
// no operation is active
func (tc *Context) Query(ctx context.Context, sql string) ([]db.Row, error) {
	var rows []db.Row
	err := tc.read(ctx, func(conn db.Conn) (err error) {
		rows, err = conn.Query(ctx, sql)
		return db.WrapOperation(sql, err)
	})
	return rows, err
}

// Scalar is Query for a single value
func (tc *Context) Scalar(ctx context.Context, sql string) (any, error) {
	var v any
	err := tc.read(ctx, func(conn db.Conn) (err error) {
		v, err = conn.Scalar(ctx, sql)
		return db.WrapOperation(sql, err)
	})
	return v, err
}

func (tc *Context) read(ctx context.Context, fn func(conn db.Conn) error) error {
	if tc.conn != nil {
		return fn(tc.conn)
	}
	conn, err := tc.store.Open(ctx)
	if err != nil {
		return db.WrapOperation("OPEN", err)
	}
	defer conn.Close()
	return fn(conn)
}

type connExecutor struct {
	conn db.Conn
}

func (e connExecutor) Exec(ctx context.Context, sql string) (int64, error) {
	n, err := e.conn.Exec(ctx, sql)
	return n, db.WrapOperation(sql, err)
}

func (e connExecutor) Query(ctx context.Context, sql string) ([]db.Row, error) {
	rows, err := e.conn.Query(ctx, sql)
	return rows, db.WrapOperation(sql, err)
}

func (e connExecutor) Scalar(ctx context.Context, sql string) (any, error) {
	v, err := e.conn.Scalar(ctx, sql)
	return v, db.WrapOperation(sql, err)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
