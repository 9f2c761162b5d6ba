package orm

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/schema"
	"github.com/ammar0144/orm4go/pkg/tx"
)

// BulkInsert writes new entities of one type with multi-row INSERT statements of
// at most the engine batch size, inside one operation. It assigns missing ids and
// marks the entities saved with the write, but skips hooks, collections and the
// audit trail. Entities that are not new are ignored.
func (s *Session) BulkInsert(ctx context.Context, items []*entity.Entity) error {
	return s.guard(ctx, func() error {
		if len(items) == 0 {
			return nil
		}
		t := items[0].Type()
		var pending []*entity.Entity
		for _, e := range items {
			if e.Type() != t {
				return fmt.Errorf("%w: %s and %s", ErrMixedTypes, t.Name, e.Type().Name)
			}
			if e.IsNew() {
				pending = append(pending, e)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		err := s.run(ctx, pending[0], func(u unit) error {
			if err := s.assignKeys(ctx, u, t, pending); err != nil {
				return err
			}
			rows, err := buildRows(ctx, t, pending)
			if err != nil {
				return err
			}
			if err := s.insertRows(ctx, u, t, rows); err != nil {
				return err
			}

			for _, e := range pending {
				e.Attach(s)
				if err := e.MarkPersisted(ctx); err != nil {
					return err
				}
				s.remember(e)
			}
			u.MarkInvalidate(t.Name)
			u.OnRollback(func(ctx context.Context) {
				for _, e := range pending {
					_ = e.MarkNew(ctx)
					s.forget(e)
				}
			})
			return nil
		})
		if err == nil {
			s.logger.Debug("bulk insert", zap.String("type", t.Name), zap.Int("rows", len(pending)))
		}
		return err
	})
}

// assignKeys gives every item without a key one. Integer keys continue after both
// the stored maximum and the largest key already set inside the batch.
func (s *Session) assignKeys(ctx context.Context, ex tx.Executor, t *schema.EntityType, items []*entity.Entity) error {
	var missing []*entity.Entity
	var batchMax int64
	key := t.Key()
	intKey := key != nil && (key.Kind == schema.KindInt || key.Kind == schema.KindInt64)
	for _, e := range items {
		if !e.HasKey() {
			missing = append(missing, e)
			continue
		}
		if !intKey {
			continue
		}
		if v, err := schema.Convert(schema.KindInt64, e.ID()); err == nil && v != nil {
			batchMax = max(batchMax, v.(int64))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if t.IDGenerator != nil && key != nil {
		for _, e := range missing {
			if err := e.SetID(t.IDGenerator()); err != nil {
				return err
			}
		}
		return nil
	}

	next, err := s.nextKey(ctx, ex, t)
	if err != nil {
		return err
	}
	next = max(next, batchMax+1)
	for _, e := range missing {
		if err := e.SetID(next); err != nil {
			return err
		}
		next++
	}
	return nil
}

// buildRows renders the column values of every entity in parallel, keeping the
// order of items. Required references that are not set make the whole batch invalid.
func buildRows(ctx context.Context, t *schema.EntityType, items []*entity.Entity) ([][]any, error) {
	cols := t.Columns()
	var (
		mu      sync.Mutex
		rows    = make([][]any, len(items))
		invalid = make([]bool, len(items))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, e := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := make([]any, len(cols))
			for j, p := range cols {
				row[j] = e.Get(p.Name)
				if p.Required && row[j] == nil {
					mu.Lock()
					invalid[i] = true
					mu.Unlock()
				}
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var bad []*entity.Entity
	for i, e := range items {
		if invalid[i] {
			bad = append(bad, e)
		}
	}
	if len(bad) > 0 {
		return nil, &tx.InvalidForeignKeysError{Entities: bad}
	}
	return rows, nil
}

func (s *Session) insertRows(ctx context.Context, ex tx.Executor, t *schema.EntityType, rows [][]any) error {
	cols := t.Columns()
	names := make([]string, len(cols))
	for i, p := range cols {
		names[i] = p.Name
	}
	for start := 0; start < len(rows); start += s.engine.batchSize {
		end := min(start+s.engine.batchSize, len(rows))
		sql, err := s.engine.queries.Insert(t.Name).Into(names...).Rows(rows[start:end]).ToQuery()
		if err != nil {
			return err
		}
		if _, err := ex.Exec(ctx, sql); err != nil {
			return err
		}
	}
	return nil
}
