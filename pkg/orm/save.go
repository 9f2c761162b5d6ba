package orm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ammar0144/orm4go/pkg/audit"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/query"
	"github.com/ammar0144/orm4go/pkg/schema"
	"github.com/ammar0144/orm4go/pkg/tx"
)

// Save persists an entity: INSERT when new, UPDATE of the changed columns when
// dirty, then the changes of its materialized collections. Saving a deleted
// entity does nothing.
//
// An entity whose required references do not point at saved entities is not
// written; the enclosing operation then fails with *tx.InvalidForeignKeysError
// instead of committing.
func (s *Session) Save(ctx context.Context, e *entity.Entity) error {
	return s.guard(ctx, func() error { return s.save(ctx, e) })
}

// collectionDiff is the membership change of one collection, captured before the
// entity accepts its changes
type collectionDiff struct {
	prop    *schema.Property
	items   []*entity.Entity
	added   []*entity.Entity
	removed []*entity.Entity
}

func (s *Session) save(ctx context.Context, e *entity.Entity) error {
	if e.IsDeleted() || s.inflight[e] {
		return nil
	}
	if s.inflight == nil {
		s.inflight = make(map[*entity.Entity]bool)
	}
	s.inflight[e] = true
	defer delete(s.inflight, e)

	e.Attach(s)
	written := false
	err := s.run(ctx, e, func(u unit) (err error) {
		written, err = s.write(ctx, u, e)
		return err
	})
	if err != nil {
		return err
	}
	if written {
		e.AcceptChanges()
	}
	return nil
}

// write runs the save algorithm inside an operation and reports whether the entity
// was written
func (s *Session) write(ctx context.Context, u unit, e *entity.Entity) (bool, error) {
	t := e.Type()
	if err := s.assignKey(ctx, u, e); err != nil {
		return false, err
	}
	if hook := t.Hooks.BeforeSave; hook != nil {
		if err := hook(ctx, e); err != nil {
			return false, fmt.Errorf("%s before save: %w", e, err)
		}
	}

	for _, fk := range t.ForeignKeys() {
		if !fk.Required {
			continue
		}
		if ref, _ := e.Ref(fk.Name); !ref.Satisfied() {
			s.logger.Debug("required reference not saved", zap.Stringer("entity", e), zap.String("property", fk.Name))
			u.RegisterInvalid(e)
			return false, nil
		}
	}

	diffs := pendingCollections(e)
	trace := e.Changes()
	changes := e.ColumnChanges()
	isNew := e.IsNew()
	prev := e.Snapshot()

	switch {
	case isNew:
		if err := s.insert(ctx, u, e); err != nil {
			return false, err
		}
		if err := e.MarkSaved(ctx); err != nil {
			return false, err
		}
		s.remember(e)
		u.OnRollback(func(ctx context.Context) {
			_ = e.MarkNew(ctx)
			s.forget(e)
		})
	case len(changes) > 0:
		if err := s.update(ctx, u, e, changes); err != nil {
			return false, err
		}
		u.OnRollback(func(context.Context) { e.RestoreSnapshot(prev) })
	}

	if isNew || len(changes) > 0 {
		u.MarkInvalidate(t.Name)
	}
	if len(trace) > 0 {
		kind := audit.Update
		if isNew {
			kind = audit.Insert
		}
		s.auditOnCommit(u, entryFor(e, kind, trace))
	}

	if err := s.saveCollections(ctx, u, e, diffs); err != nil {
		return false, err
	}

	if hook := t.Hooks.AfterSave; hook != nil {
		if err := hook(ctx, e); err != nil {
			return false, fmt.Errorf("%s after save: %w", e, err)
		}
	}
	return true, nil
}

func (s *Session) insert(ctx context.Context, ex tx.Executor, e *entity.Entity) error {
	t := e.Type()
	cols := t.Columns()
	names := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, p := range cols {
		names[i] = p.Name
		values[i] = e.Get(p.Name)
	}
	sql, err := s.engine.queries.Insert(t.Name).Into(names...).Values(values...).ToQuery()
	if err != nil {
		return err
	}
	_, err = ex.Exec(ctx, sql)
	return err
}

func (s *Session) update(ctx context.Context, ex tx.Executor, e *entity.Entity, changes []entity.Change) error {
	t := e.Type()
	b := s.engine.queries.Update(t.Name)
	for _, c := range changes {
		b.Set(c.Property, c.New)
	}
	sql, err := b.Where(keyConditions(t, e.Key())...).ToQuery()
	if err != nil {
		return err
	}
	_, err = ex.Exec(ctx, sql)
	return err
}

func pendingCollections(e *entity.Entity) []collectionDiff {
	var out []collectionDiff
	for _, c := range e.LoadedCollections() {
		out = append(out, collectionDiff{
			prop:    c.Property(),
			items:   c.Items(),
			added:   c.Added(),
			removed: c.Removed(),
		})
	}
	return out
}

// saveCollections cascades one-to-many changes to the elements and writes
// many-to-many changes to the bridge tables
func (s *Session) saveCollections(ctx context.Context, u unit, owner *entity.Entity, diffs []collectionDiff) error {
	for _, d := range diffs {
		switch d.prop.Role {
		case schema.RoleOneToMany:
			if err := s.saveOneToMany(ctx, d); err != nil {
				return err
			}
		case schema.RoleManyToMany:
			if err := s.saveManyToMany(ctx, u, owner, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) saveOneToMany(ctx context.Context, d collectionDiff) error {
	for _, item := range d.items {
		if !item.IsDirty() {
			continue
		}
		if err := s.save(ctx, item); err != nil {
			return err
		}
	}
	back := d.prop.BackRef()
	for _, item := range d.removed {
		if !d.prop.Inverse {
			if err := s.delete(ctx, item); err != nil {
				return err
			}
			continue
		}
		if err := item.Set(back.Name, nil); err != nil {
			return err
		}
		if err := s.save(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) saveManyToMany(ctx context.Context, u unit, owner *entity.Entity, d collectionDiff) error {
	if len(d.added) == 0 && len(d.removed) == 0 {
		return nil
	}
	br := d.prop.Bridge()
	ownerID := owner.ID()

	var rows [][]any
	for _, item := range d.added {
		if item.IsDirty() {
			if err := s.save(ctx, item); err != nil {
				return err
			}
		}
		if !item.IsSaved() {
			continue
		}
		rows = append(rows, []any{ownerID, item.ID()})
	}
	if len(rows) > 0 {
		sql, err := s.engine.queries.InsertTable(br.Table).Into(br.OwnerColumn, br.ElementColumn).Rows(rows).ToQuery()
		if err != nil {
			return err
		}
		if _, err := u.Exec(ctx, sql); err != nil {
			return err
		}
	}

	var removed []any
	for _, item := range d.removed {
		if id := item.ID(); id != nil {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		sql, err := s.engine.queries.DeleteTable(br.Table).Where(
			query.Cond(query.TableCol(br.Table, br.OwnerColumn), query.Equal, ownerID),
			query.Cond(query.TableCol(br.Table, br.ElementColumn), query.In, removed),
		).ToQuery()
		if err != nil {
			return err
		}
		if _, err := u.Exec(ctx, sql); err != nil {
			return err
		}
	}

	u.MarkInvalidate(owner.Type().Name, d.prop.Target)
	return nil
}

// assignKey gives a keyless entity an id: from the type's generator, or the next
// value of an integer key read inside the operation
func (s *Session) assignKey(ctx context.Context, ex tx.Executor, e *entity.Entity) error {
	if e.HasKey() {
		return nil
	}
	t := e.Type()
	if t.IDGenerator != nil && t.Key() != nil {
		return e.SetID(t.IDGenerator())
	}
	next, err := s.nextKey(ctx, ex, t)
	if err != nil {
		return err
	}
	return e.SetID(next)
}

func (s *Session) nextKey(ctx context.Context, ex tx.Executor, t *schema.EntityType) (int64, error) {
	key := t.Key()
	if key == nil || (key.Kind != schema.KindInt && key.Kind != schema.KindInt64) {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, t.Name)
	}
	col := s.engine.dialect.Column(t.Table, key.Column)
	sql, err := s.engine.queries.Select(query.Expr("COALESCE(MAX(" + col + "), 0) + 1")).From(t.Name).DisableOrder().ToQuery()
	if err != nil {
		return 0, err
	}
	v, err := ex.Scalar(ctx, sql)
	if err != nil {
		return 0, err
	}
	n, err := schema.Convert(schema.KindInt64, v)
	if err != nil {
		return 0, fmt.Errorf("%s: next key: %w", t.Name, err)
	}
	if n == nil {
		return 1, nil
	}
	return n.(int64), nil
}

// entryFor builds the audit entry of a change trace
func entryFor(e *entity.Entity, kind audit.ChangeKind, trace []entity.Change) audit.Entry {
	changes := make([]audit.PropertyChange, len(trace))
	for i, c := range trace {
		changes[i] = audit.PropertyChange{Property: c.Property, Old: c.Old, New: c.New}
	}
	return audit.Entry{Type: e.Type().Name, ID: identityKey(e.Key()), Kind: kind, Changes: changes}
}

// auditOnCommit records an entry once the operation's changes are durable
func (s *Session) auditOnCommit(u unit, entry audit.Entry) {
	u.OnCommit(func(ctx context.Context) {
		if err := s.engine.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit record failed",
				zap.String("type", entry.Type), zap.String("id", entry.ID), zap.Error(err))
		}
	})
}
