package orm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ammar0144/orm4go/pkg/cache"
	"github.com/ammar0144/orm4go/pkg/db"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/query"
	"github.com/ammar0144/orm4go/pkg/schema"
	"github.com/ammar0144/orm4go/pkg/tx"
)

// Session is the unit of work of one request: it owns the identity map, the
// transaction contexts and the entities it loads. It is not safe for concurrent use.
type Session struct {
	engine   *Engine
	coord    *tx.Coordinator
	identity map[string]map[string]*entity.Entity
	logger   *zap.Logger
	inflight map[*entity.Entity]bool
	level    int
	closed   bool
}

var _ entity.Scope = (*Session)(nil)

// Engine returns the engine the session belongs to
func (s *Session) Engine() *Engine { return s.engine }

// Queries returns the statement factory of the engine
func (s *Session) Queries() *query.Factory { return s.engine.queries }

// Depth returns the operation nesting depth of a type's connection
func (s *Session) Depth(typeName string) int {
	t, err := s.engine.reg.Type(typeName)
	if err != nil {
		return 0
	}
	return s.coord.Depth(connectionKey(t))
}

// Close rolls back unfinished operations, releases their connections and forgets
// the identity map
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.identity = make(map[string]map[string]*entity.Entity)
	return s.coord.Close()
}

// New creates an unsaved entity of a type attached to the session
func (s *Session) New(typeName string) (*entity.Entity, error) {
	t, err := s.engine.reg.Type(typeName)
	if err != nil {
		return nil, err
	}
	e := entity.New(t)
	e.Attach(s)
	return e, nil
}

// guard runs a public operation, reporting failures of the outermost one to the error sink
func (s *Session) guard(ctx context.Context, fn func() error) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.level++
	err := fn()
	s.level--
	if err != nil && s.level == 0 {
		s.engine.errors.RecordError(ctx, err)
	}
	return err
}

func (s *Session) context(t *schema.EntityType) (*tx.Context, error) {
	return s.coord.Context(connectionKey(t))
}

// identity map

func identityKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = schema.Format(v)
	}
	return strings.Join(parts, "|")
}

func (s *Session) cached(t *schema.EntityType, key string) *entity.Entity {
	return s.identity[t.Name][key]
}

func (s *Session) remember(e *entity.Entity) {
	if !e.HasKey() {
		return
	}
	byKey, ok := s.identity[e.Type().Name]
	if !ok {
		byKey = make(map[string]*entity.Entity)
		s.identity[e.Type().Name] = byKey
	}
	byKey[identityKey(e.Key())] = e
}

func (s *Session) forget(e *entity.Entity) {
	if !e.HasKey() {
		return
	}
	if byKey, ok := s.identity[e.Type().Name]; ok && byKey[identityKey(e.Key())] == e {
		delete(byKey, identityKey(e.Key()))
	}
}

// materialize turns rows into entities, preferring instances already in the identity map
func (s *Session) materialize(t *schema.EntityType, rows []db.Row) ([]*entity.Entity, error) {
	out := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := entity.FromRow(t, row, s)
		if err != nil {
			return nil, err
		}
		if known := s.cached(t, identityKey(e.Key())); known != nil {
			out = append(out, known)
			continue
		}
		s.remember(e)
		out = append(out, e)
	}
	return out, nil
}

// fetch runs a select, reading through the shared cache when no transaction is open
// on the type's connection. Rows read inside a transaction are never cached.
func (s *Session) fetch(ctx context.Context, t *schema.EntityType, b *query.Builder, key string) ([]db.Row, error) {
	sql, err := b.ToQuery()
	if err != nil {
		return nil, err
	}
	tc, err := s.context(t)
	if err != nil {
		return nil, err
	}
	if tc.Active() {
		return tc.Query(ctx, sql)
	}

	if key == "" {
		key = cache.QueryKey(t.Name, sql)
	}
	c := s.engine.cache
	if data, ok, err := c.Get(ctx, key); err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		rows, err := cache.DecodeRows(data)
		if err == nil {
			s.logger.Debug("cache hit", zap.String("key", key))
			return rows, nil
		}
		s.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.Remove(ctx, key)
	}

	rows, err := tc.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	if data, err := cache.EncodeRows(rows); err != nil {
		s.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
	} else if err := c.Insert(ctx, key, data, b.Types()...); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return rows, nil
}

// keyConditions matches the key columns of a type
func keyConditions(t *schema.EntityType, values []any) []query.Condition {
	keys := t.PrimaryKeys()
	conds := make([]query.Condition, len(keys))
	for i, k := range keys {
		conds[i] = query.Cond(query.Col(t.Name, k.Name), query.Equal, values[i]).IncludeTime()
	}
	return conds
}

func convertKey(t *schema.EntityType, values []any) ([]any, error) {
	keys := t.PrimaryKeys()
	if len(values) != len(keys) {
		return nil, fmt.Errorf("%s: %d key values for %d key properties", t.Name, len(values), len(keys))
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		v, err := schema.Convert(k.Kind, values[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, k.Name, err)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: %s.%s is nil", ErrMissingKey, t.Name, k.Name)
		}
		out[i] = v
	}
	return out, nil
}

// Load returns the entity with the given id, or nil when there is none
func (s *Session) Load(ctx context.Context, typeName string, id any) (*entity.Entity, error) {
	return s.LoadByKey(ctx, typeName, id)
}

// LoadByKey returns the entity with the given key values in key declaration order,
// or nil when there is none
func (s *Session) LoadByKey(ctx context.Context, typeName string, keys ...any) (*entity.Entity, error) {
	var found *entity.Entity
	err := s.guard(ctx, func() error {
		t, err := s.engine.reg.Type(typeName)
		if err != nil {
			return err
		}
		values, err := convertKey(t, keys)
		if err != nil {
			return err
		}
		id := identityKey(values)
		if known := s.cached(t, id); known != nil {
			found = known
			return nil
		}

		b := s.engine.queries.Select().From(t.Name).Where(keyConditions(t, values)...).DisableOrder()
		rows, err := s.fetch(ctx, t, b, cache.EntityKey(t.Name, id))
		if err != nil || len(rows) == 0 {
			return err
		}
		list, err := s.materialize(t, rows[:1])
		if err != nil {
			return err
		}
		found = list[0]
		return nil
	})
	return found, err
}

// LoadWhere returns the entities matching every condition
func (s *Session) LoadWhere(ctx context.Context, typeName string, conds ...query.Condition) ([]*entity.Entity, error) {
	return s.Find(ctx, s.engine.queries.Select().From(typeName).Where(conds...))
}

// LoadAll returns every entity of a type in default sort order
func (s *Session) LoadAll(ctx context.Context, typeName string) ([]*entity.Entity, error) {
	return s.Find(ctx, s.engine.queries.Select().From(typeName))
}

// LoadReferencing returns the entities of a type whose foreign key points at target,
// given as an entity or an id
func (s *Session) LoadReferencing(ctx context.Context, typeName, property string, target any) ([]*entity.Entity, error) {
	t, err := s.engine.reg.Type(typeName)
	if err != nil {
		return nil, err
	}
	p, ok := t.Property(property)
	if !ok || !p.IsReference() {
		return nil, fmt.Errorf("%w: %s.%s is not a reference", schema.ErrUnknownProperty, typeName, property)
	}
	if e, ok := target.(*entity.Entity); ok {
		target = e.ID()
	}
	if target == nil {
		return nil, nil
	}
	return s.Find(ctx, s.engine.queries.Select().From(typeName).Where(query.Cond(query.Col(typeName, property), query.Equal, target)))
}

// Find runs a select built from Queries and materializes its from type
func (s *Session) Find(ctx context.Context, b *query.Builder) ([]*entity.Entity, error) {
	var out []*entity.Entity
	err := s.guard(ctx, func() error {
		t := b.Type()
		if t == nil || b.Kind() != query.SelectStatement {
			return fmt.Errorf("%w: Find requires a select from a registered type", query.ErrUsage)
		}
		rows, err := s.fetch(ctx, t, b, "")
		if err != nil {
			return err
		}
		out, err = s.materialize(t, rows)
		return err
	})
	return out, err
}

// Count returns the number of rows of a type matching every condition
func (s *Session) Count(ctx context.Context, typeName string, conds ...query.Condition) (int64, error) {
	var n int64
	err := s.guard(ctx, func() error {
		t, err := s.engine.reg.Type(typeName)
		if err != nil {
			return err
		}
		sql, err := s.engine.queries.Count(typeName).Where(conds...).ToQuery()
		if err != nil {
			return err
		}
		tc, err := s.context(t)
		if err != nil {
			return err
		}
		v, err := tc.Scalar(ctx, sql)
		if err != nil {
			return err
		}
		converted, err := schema.Convert(schema.KindInt64, v)
		if err != nil {
			return err
		}
		if converted != nil {
			n = converted.(int64)
		}
		return nil
	})
	return n, err
}

// Refresh reloads a saved entity from the store, bypassing the cache, and drops
// its materialized collections
func (s *Session) Refresh(ctx context.Context, e *entity.Entity) error {
	return s.guard(ctx, func() error {
		if !e.IsSaved() {
			return nil
		}
		t := e.Type()
		sql, err := s.engine.queries.Select().From(t.Name).Where(keyConditions(t, e.Key())...).DisableOrder().ToQuery()
		if err != nil {
			return err
		}
		tc, err := s.context(t)
		if err != nil {
			return err
		}
		rows, err := tc.Query(ctx, sql)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, e)
		}
		if err := e.ApplyRow(rows[0]); err != nil {
			return err
		}
		e.Attach(s)
		s.remember(e)
		return nil
	})
}

// Reset discards the in-memory edits of an entity
func (s *Session) Reset(e *entity.Entity) {
	e.Reset()
}

// Resolve implements entity.Scope
func (s *Session) Resolve(ctx context.Context, t *schema.EntityType, id any) (*entity.Entity, error) {
	return s.Load(ctx, t.Name, id)
}

// LoadCollection implements entity.Scope
func (s *Session) LoadCollection(ctx context.Context, owner *entity.Entity, p *schema.Property) ([]*entity.Entity, error) {
	switch p.Role {
	case schema.RoleOneToMany:
		return s.LoadReferencing(ctx, p.Target, p.BackRef().Name, owner.ID())
	case schema.RoleManyToMany:
		element := p.TargetType()
		key := element.Key()
		if key == nil || owner.ID() == nil {
			return nil, nil
		}
		br := p.Bridge()
		b := s.engine.queries.Select().From(element.Name).
			JoinTable(br.Table, query.InnerJoin, query.Col(element.Name, key.Name), query.TableCol(br.Table, br.ElementColumn)).
			Where(query.Cond(query.TableCol(br.Table, br.OwnerColumn), query.Equal, owner.ID()))
		return s.Find(ctx, b)
	}
	return nil, fmt.Errorf("%w: %s.%s", entity.ErrNotCollection, owner.Type().Name, p.Name)
}
