// Package entity tracks the state of mapped instances: a property bag, the snapshot of
// the last persisted values, lazily resolved references and related collections with
// their added/removed shadow sets.
package entity

import (
	"context"
	"fmt"
	"strings"

	"github.com/ammar0144/orm4go/pkg/schema"
	"github.com/looplab/fsm"
)

// Scope resolves lazy references and materializes collections of attached entities
type Scope interface {
	// Resolve loads an entity by id; nil when absent
	Resolve(ctx context.Context, t *schema.EntityType, id any) (*Entity, error)
	// LoadCollection loads the current members of a saved owner's collection
	LoadCollection(ctx context.Context, owner *Entity, p *schema.Property) ([]*Entity, error)
}

// Change is one entry of a dirty trace
type Change struct {
	Property string
	Old      any
	New      any
}

// Entity is an instance of a registered type
type Entity struct {
	t         *schema.EntityType
	values    map[string]any
	refs      map[string]*Reference
	snapshot  map[string]any
	colls     map[string]*Collection
	scope     Scope
	lifecycle *fsm.FSM
}

// New creates an unsaved instance
func New(t *schema.EntityType) *Entity {
	e := &Entity{
		t:         t,
		values:    make(map[string]any),
		refs:      make(map[string]*Reference),
		colls:     make(map[string]*Collection),
		lifecycle: newLifecycle(StateNew),
	}
	for _, fk := range t.ForeignKeys() {
		e.refs[fk.Name] = &Reference{owner: e, prop: fk}
	}
	return e
}

// FromRow creates a saved instance from a result row keyed by column name
func FromRow(t *schema.EntityType, row map[string]any, scope Scope) (*Entity, error) {
	e := New(t)
	e.scope = scope
	if err := e.ApplyRow(row); err != nil {
		return nil, err
	}
	e.lifecycle.SetState(StateSaved)
	return e, nil
}

// Type returns the entity type
func (e *Entity) Type() *schema.EntityType { return e.t }

// Scope returns the scope the entity is attached to (nil when detached)
func (e *Entity) Scope() Scope { return e.scope }

// Attach binds the entity to a scope used for lazy loads
func (e *Entity) Attach(scope Scope) { e.scope = scope }

func (e *Entity) property(name string) (*schema.Property, error) {
	p, ok := e.t.Property(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", schema.ErrUnknownProperty, e.t.Name, name)
	}
	return p, nil
}

// Get returns a column value; references return the referenced id
func (e *Entity) Get(name string) any {
	if ref, ok := e.refs[name]; ok {
		return ref.ID()
	}
	return e.values[name]
}

// Set assigns a property. References accept an *Entity, a *Reference or a raw id;
// other values are converted to the property kind.
func (e *Entity) Set(name string, value any) error {
	p, err := e.property(name)
	if err != nil {
		return err
	}
	switch p.Role {
	case schema.RoleProjection:
		return fmt.Errorf("%w: %s.%s is a projection", ErrReadOnly, e.t.Name, name)
	case schema.RoleOneToMany, schema.RoleManyToMany:
		return fmt.Errorf("%w: %s.%s is a collection", ErrReadOnly, e.t.Name, name)
	case schema.RoleForeignKey:
		return e.refs[name].set(value)
	}

	v, err := schema.Convert(p.Kind, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", e.t.Name, name, err)
	}
	if p.Kind == schema.KindEnum && v != nil && !p.AcceptsEnum(v.(string)) {
		return fmt.Errorf("%w: %s.%s = %q", ErrInvalidEnum, e.t.Name, name, v)
	}
	if p.Role == schema.RolePrimaryKey && !e.IsNew() && !schema.Equal(p.Kind, e.values[name], v) {
		return fmt.Errorf("%w: %s.%s", ErrKeyChange, e.t.Name, name)
	}
	e.values[name] = v
	return nil
}

// MustSet is Set for values known to be valid; it panics on error
func (e *Entity) MustSet(name string, value any) *Entity {
	if err := e.Set(name, value); err != nil {
		panic(err)
	}
	return e
}

// ID returns the single key value (nil when unassigned or for composite keys)
func (e *Entity) ID() any {
	key := e.t.Key()
	if key == nil {
		return nil
	}
	return e.values[key.Name]
}

// Key returns the key values in key declaration order
func (e *Entity) Key() []any {
	keys := e.t.PrimaryKeys()
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = e.values[k.Name]
	}
	return out
}

// HasKey reports whether every key property is assigned
func (e *Entity) HasKey() bool {
	for _, v := range e.Key() {
		if v == nil {
			return false
		}
	}
	return true
}

// SetID assigns the single key
func (e *Entity) SetID(id any) error {
	key := e.t.Key()
	if key == nil {
		return fmt.Errorf("%w: %s has a composite key", schema.ErrInvalidType, e.t.Name)
	}
	return e.Set(key.Name, id)
}

// Ref returns the lazy cell of a reference property
func (e *Entity) Ref(name string) (*Reference, error) {
	ref, ok := e.refs[name]
	if !ok {
		if _, err := e.property(name); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s.%s", ErrNotReference, e.t.Name, name)
	}
	return ref, nil
}

// Collection returns a related collection, materializing it on first access:
// saved owners load the members through their scope, new owners start empty
func (e *Entity) Collection(ctx context.Context, name string) (*Collection, error) {
	if c, ok := e.colls[name]; ok {
		return c, nil
	}
	p, err := e.property(name)
	if err != nil {
		return nil, err
	}
	if !p.IsCollection() {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotCollection, e.t.Name, name)
	}

	c := &Collection{owner: e, prop: p}
	if e.IsSaved() {
		if e.scope == nil {
			return nil, fmt.Errorf("%w: loading %s.%s", ErrNoScope, e.t.Name, name)
		}
		items, err := e.scope.LoadCollection(ctx, e, p)
		if err != nil {
			return nil, err
		}
		c.items = items
	}
	c.baseline = c.ComparisonString()
	e.colls[name] = c
	return c, nil
}

// LoadedCollection returns a collection only if it was materialized
func (e *Entity) LoadedCollection(name string) (*Collection, bool) {
	c, ok := e.colls[name]
	return c, ok
}

// LoadedCollections returns the materialized collections in declaration order
func (e *Entity) LoadedCollections() []*Collection {
	var out []*Collection
	for _, p := range e.t.Properties() {
		if c, ok := e.colls[p.Name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// current returns the persisted and projected values keyed by property name
func (e *Entity) current() map[string]any {
	out := make(map[string]any, len(e.values)+len(e.refs))
	for _, p := range e.t.Columns() {
		out[p.Name] = e.Get(p.Name)
	}
	for _, p := range e.t.Projections() {
		out[p.Name] = e.values[p.Name]
	}
	return out
}

// Values returns a copy of the current persisted values keyed by property name
func (e *Entity) Values() map[string]any { return e.current() }

// Snapshot returns a copy of the values last read from or written to the store (nil for new entities)
func (e *Entity) Snapshot() map[string]any {
	if e.snapshot == nil {
		return nil
	}
	out := make(map[string]any, len(e.snapshot))
	for k, v := range e.snapshot {
		out[k] = v
	}
	return out
}

// Changes returns the dirty trace: every column of a new entity, otherwise the
// non-key columns and materialized collections differing from the snapshot
func (e *Entity) Changes() []Change {
	var changes []Change
	for _, p := range e.t.Columns() {
		cur := e.Get(p.Name)
		if e.snapshot == nil {
			if cur != nil {
				changes = append(changes, Change{Property: p.Name, New: cur})
			}
			continue
		}
		if p.Role == schema.RolePrimaryKey {
			continue
		}
		if old := e.snapshot[p.Name]; !schema.Equal(p.Kind, old, cur) {
			changes = append(changes, Change{Property: p.Name, Old: old, New: cur})
		}
	}
	for _, c := range e.LoadedCollections() {
		if cmp := c.ComparisonString(); cmp != c.baseline {
			changes = append(changes, Change{Property: c.prop.Name, Old: c.baseline, New: cmp})
		}
	}
	return changes
}

// ColumnChanges returns the dirty trace restricted to persisted columns
func (e *Entity) ColumnChanges() []Change {
	var out []Change
	for _, c := range e.Changes() {
		if p, _ := e.t.Property(c.Property); p.IsPersisted() {
			out = append(out, c)
		}
	}
	return out
}

// IsDirty reports whether the entity needs saving
func (e *Entity) IsDirty() bool {
	switch {
	case e.IsDeleted():
		return false
	case e.IsNew():
		return true
	}
	return len(e.Changes()) > 0
}

// AcceptChanges takes the current values as the new snapshot and clears collection shadow sets
func (e *Entity) AcceptChanges() {
	e.snapshot = e.current()
	for _, c := range e.colls {
		c.AcceptChanges()
	}
}

// Reset discards in-memory edits: values return to the snapshot and collections are dropped
func (e *Entity) Reset() {
	e.colls = make(map[string]*Collection)
	if e.snapshot == nil {
		return
	}
	for _, p := range e.t.Columns() {
		if ref, ok := e.refs[p.Name]; ok {
			ref.id, ref.target = e.snapshot[p.Name], nil
			continue
		}
		e.values[p.Name] = e.snapshot[p.Name]
	}
}

// ApplyRow replaces the values and the snapshot with a store row keyed by column name.
// Columns unknown to the type are ignored; collections are dropped.
func (e *Entity) ApplyRow(row map[string]any) error {
	for column, raw := range row {
		p, ok := e.t.PropertyByColumn(column)
		if !ok {
			continue
		}
		v, err := schema.Convert(p.Kind, raw)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", e.t.Name, p.Name, err)
		}
		if ref, ok := e.refs[p.Name]; ok {
			ref.id, ref.target = v, nil
			continue
		}
		e.values[p.Name] = v
	}
	e.colls = make(map[string]*Collection)
	e.snapshot = e.current()
	return nil
}

// String returns "Type(id)" for logs
func (e *Entity) String() string {
	parts := make([]string, 0, len(e.t.PrimaryKeys()))
	for _, v := range e.Key() {
		parts = append(parts, schema.Format(v))
	}
	return e.t.Name + "(" + strings.Join(parts, ",") + ")"
}

// Equal reports whether two instances denote the same object: same type and either
// matching keys, or (both without keys) matching plain and unique column values
func Equal(a, b *Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	if a.t.Name != b.t.Name {
		return false
	}
	aKeyed, bKeyed := a.HasKey(), b.HasKey()
	if aKeyed != bKeyed {
		return false
	}
	if aKeyed {
		return keysEqual(a, b)
	}
	for _, p := range a.t.PlainColumns() {
		if !schema.Equal(p.Kind, a.Get(p.Name), b.Get(p.Name)) {
			return false
		}
	}
	for _, p := range a.t.UniqueProperties() {
		if !schema.Equal(p.Kind, a.Get(p.Name), b.Get(p.Name)) {
			return false
		}
	}
	return true
}

func keysEqual(a, b *Entity) bool {
	ak, bk := a.Key(), b.Key()
	for i, k := range a.t.PrimaryKeys() {
		if !schema.Equal(k.Kind, ak[i], bk[i]) {
			return false
		}
	}
	return true
}

// sameIdentity is the membership test of collections: the same instance, or keyed
// instances of the same type with equal keys
func sameIdentity(a, b *Entity) bool {
	if a == b {
		return true
	}
	return a.t.Name == b.t.Name && a.HasKey() && b.HasKey() && keysEqual(a, b)
}
