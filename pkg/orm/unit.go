package orm

import (
	"context"

	"go.uber.org/zap"

	"github.com/ammar0144/orm4go/pkg/cache"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/tx"
)

// unit is what a write needs from the operation it runs in. *tx.Context is the
// transactional unit; detachedUnit serves transaction-less types.
type unit interface {
	tx.Executor
	MarkInvalidate(regions ...string)
	RegisterInvalid(e *entity.Entity)
	OnRollback(fn func(ctx context.Context))
	OnCommit(fn func(ctx context.Context))
}

var _ unit = (*tx.Context)(nil)

// detachedUnit runs on an independent connection without a transaction: there is
// nothing to roll back, and regions and commit callbacks are settled by flush once
// the statements succeeded
type detachedUnit struct {
	tx.Executor
	regions  []string
	invalid  []*entity.Entity
	onCommit []func(ctx context.Context)
}

func (u *detachedUnit) MarkInvalidate(regions ...string) { u.regions = append(u.regions, regions...) }

func (u *detachedUnit) RegisterInvalid(e *entity.Entity) { u.invalid = append(u.invalid, e) }

func (u *detachedUnit) OnRollback(func(ctx context.Context)) {}

func (u *detachedUnit) OnCommit(fn func(ctx context.Context)) { u.onCommit = append(u.onCommit, fn) }

func (u *detachedUnit) flush(ctx context.Context, c cache.Cache, logger *zap.Logger) error {
	if len(u.invalid) > 0 {
		return &tx.InvalidForeignKeysError{Entities: u.invalid}
	}
	seen := make(map[string]bool, len(u.regions))
	for _, region := range u.regions {
		if seen[region] {
			continue
		}
		seen[region] = true
		if err := c.InvalidateRegion(ctx, region); err != nil {
			logger.Warn("cache invalidation failed", zap.String("region", region), zap.Error(err))
		}
	}
	for _, fn := range u.onCommit {
		fn(ctx)
	}
	return nil
}

// run executes fn as one operation on the connection of a type: inside the shared
// transaction, or on an independent connection for transaction-less types
func (s *Session) run(ctx context.Context, e *entity.Entity, fn func(u unit) error) error {
	t := e.Type()
	key := connectionKey(t)
	if !t.TransactionLess {
		return s.coord.Run(ctx, key, func(tc *tx.Context) error { return fn(tc) })
	}

	u := &detachedUnit{}
	err := s.coord.Detached(ctx, key, func(ex tx.Executor) error {
		u.Executor = ex
		return fn(u)
	})
	if err != nil {
		return err
	}
	return u.flush(ctx, s.engine.cache, s.logger)
}
