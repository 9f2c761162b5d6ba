package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/orm"
	"github.com/ammar0144/orm4go/pkg/query"
	"github.com/ammar0144/orm4go/pkg/schema"
)

// Option configures a GenericRepository
type Option func(*options)

type options struct {
	timeout time.Duration
	logger  *zap.Logger
}

// WithQueryTimeout bounds every repository call
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// GenericRepository implements Repository on top of an orm.Session. Reads go
// through the session's identity map and the engine's shared cache; writes run as
// session operations, so cache regions are invalidated when they commit.
type GenericRepository[T any] struct {
	session *orm.Session
	mapping Mapping[T]
	t       *schema.EntityType
	timeout time.Duration
	logger  *zap.Logger
}

var _ Repository[struct{}] = (*GenericRepository[struct{}])(nil)

// NewGenericRepository creates a repository for the mapped type
func NewGenericRepository[T any](s *orm.Session, m Mapping[T], opts ...Option) (*GenericRepository[T], error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	t, err := s.Engine().Registry().Type(m.Type)
	if err != nil {
		return nil, err
	}
	if t.Key() == nil {
		return nil, fmt.Errorf("%w: %s has a composite key", schema.ErrInvalidType, t.Name)
	}

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &GenericRepository[T]{
		session: s,
		mapping: m,
		t:       t,
		timeout: o.timeout,
		logger:  o.logger.Named("repository").With(zap.String("type", t.Name)),
	}, nil
}

// withQueryTimeout wraps a context with the configured query timeout and fails
// fast when it is already done
func (r *GenericRepository[T]) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("context cancelled before operation: %w", err)
	}
	return ctx, cancel, nil
}

// ============================================================================
// READ OPERATIONS
// ============================================================================

// FindByID returns the value with the given id, or nil when there is none
func (r *GenericRepository[T]) FindByID(ctx context.Context, id any) (*T, error) {
	if id == nil {
		return nil, fmt.Errorf("id cannot be nil")
	}
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	e, err := r.session.Load(ctx, r.t.Name, id)
	if err != nil || e == nil {
		return nil, err
	}
	return r.mapping.value(e)
}

// FindAll returns every value in default sort order
func (r *GenericRepository[T]) FindAll(ctx context.Context) ([]T, error) {
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	list, err := r.session.LoadAll(ctx, r.t.Name)
	if err != nil {
		return nil, err
	}
	return r.mapping.values(list)
}

// FindWhere returns the values matching every condition
func (r *GenericRepository[T]) FindWhere(ctx context.Context, conds ...query.Condition) ([]T, error) {
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	list, err := r.session.LoadWhere(ctx, r.t.Name, conds...)
	if err != nil {
		return nil, err
	}
	return r.mapping.values(list)
}

// First returns the first value matching every condition, or nil when there is none
func (r *GenericRepository[T]) First(ctx context.Context, conds ...query.Condition) (*T, error) {
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	b := r.session.Queries().Select().From(r.t.Name).Where(conds...).Limit(1)
	list, err := r.session.Find(ctx, b)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return r.mapping.value(list[0])
}

// Page returns limit values after skipping offset, in default sort order
func (r *GenericRepository[T]) Page(ctx context.Context, offset, limit int) ([]T, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid page: offset %d, limit %d", offset, limit)
	}
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	b := r.session.Queries().Select().From(r.t.Name).Offset(offset).Limit(limit)
	list, err := r.session.Find(ctx, b)
	if err != nil {
		return nil, err
	}
	return r.mapping.values(list)
}

// Count returns the number of rows matching every condition
func (r *GenericRepository[T]) Count(ctx context.Context, conds ...query.Condition) (int64, error) {
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return r.session.Count(ctx, r.t.Name, conds...)
}

// Exists reports whether a row with the given id exists
func (r *GenericRepository[T]) Exists(ctx context.Context, id any) (bool, error) {
	if id == nil {
		return false, fmt.Errorf("id cannot be nil")
	}
	n, err := r.Count(ctx, query.Cond(query.Col(r.t.Name, r.t.Key().Name), query.Equal, id).IncludeTime())
	return n > 0, err
}

// ============================================================================
// WRITE OPERATIONS
// ============================================================================

// Create inserts a value and copies the stored state, generated id included, back into it
func (r *GenericRepository[T]) Create(ctx context.Context, v *T) error {
	if v == nil {
		return fmt.Errorf("value cannot be nil")
	}
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	e, err := r.newEntity(v)
	if err != nil {
		return err
	}
	if err := r.session.Save(ctx, e); err != nil {
		return err
	}
	return r.mapping.FromEntity(e, v)
}

func (r *GenericRepository[T]) newEntity(v *T) (*entity.Entity, error) {
	e, err := r.session.New(r.t.Name)
	if err != nil {
		return nil, err
	}
	if err := r.mapping.ToEntity(v, e); err != nil {
		return nil, err
	}
	// a zero id is left for the session to assign
	if isZeroID(r.mapping.ID(v)) {
		if err := e.SetID(nil); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Update writes the changed fields of a stored value. Updating a value whose row is
// gone fails with orm.ErrNotFound.
func (r *GenericRepository[T]) Update(ctx context.Context, v *T) error {
	if v == nil {
		return fmt.Errorf("value cannot be nil")
	}
	id := r.mapping.ID(v)
	if isZeroID(id) {
		return fmt.Errorf("%w: %s", orm.ErrMissingKey, r.t.Name)
	}
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	e, err := r.session.Load(ctx, r.t.Name, id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s(%v)", orm.ErrNotFound, r.t.Name, id)
	}
	if err := r.mapping.ToEntity(v, e); err != nil {
		return err
	}
	return r.session.Save(ctx, e)
}

// Delete removes the row with the given id and reports whether there was one
func (r *GenericRepository[T]) Delete(ctx context.Context, id any) (bool, error) {
	if id == nil {
		return false, fmt.Errorf("id cannot be nil")
	}
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	e, err := r.session.Load(ctx, r.t.Name, id)
	if err != nil || e == nil {
		return false, err
	}
	if err := r.session.Delete(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// CreateBatch inserts values with batched multi-row statements. Hooks and the
// audit trail are skipped.
func (r *GenericRepository[T]) CreateBatch(ctx context.Context, vs []*T) error {
	if len(vs) == 0 {
		return nil
	}
	ctx, cancel, err := r.withQueryTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	items := make([]*entity.Entity, len(vs))
	for i, v := range vs {
		if v == nil {
			return fmt.Errorf("value %d cannot be nil", i)
		}
		if items[i], err = r.newEntity(v); err != nil {
			return err
		}
	}
	if err := r.session.BulkInsert(ctx, items); err != nil {
		return err
	}
	for i, v := range vs {
		if err := r.mapping.FromEntity(items[i], v); err != nil {
			return err
		}
	}
	r.logger.Debug("batch created", zap.Int("count", len(vs)))
	return nil
}

// UpdateBatch updates values in one transaction; the first failure rolls back
// every update of the batch
func (r *GenericRepository[T]) UpdateBatch(ctx context.Context, vs []*T) error {
	if len(vs) == 0 {
		return nil
	}
	return r.session.Transaction(ctx, func(ctx context.Context) error {
		for i, v := range vs {
			if err := r.Update(ctx, v); err != nil {
				return fmt.Errorf("update %d of %d: %w", i+1, len(vs), err)
			}
		}
		return nil
	}, r.t.Name)
}

// ============================================================================
// CACHE MANAGEMENT
// ============================================================================

// InvalidateCache drops every cached read of the type
func (r *GenericRepository[T]) InvalidateCache(ctx context.Context) error {
	if err := r.session.Engine().Cache().InvalidateRegion(ctx, r.t.Name); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", r.t.Name, err)
	}
	r.logger.Debug("cache invalidated")
	return nil
}

// WarmCache reads every row of the type once so later reads hit the cache
func (r *GenericRepository[T]) WarmCache(ctx context.Context) error {
	list, err := r.FindAll(ctx)
	if err != nil {
		return err
	}
	r.logger.Debug("cache warmed", zap.Int("rows", len(list)))
	return nil
}
