package orm

import (
	"context"
	"fmt"

	"github.com/ammar0144/orm4go/pkg/audit"
	"github.com/ammar0144/orm4go/pkg/entity"
	"github.com/ammar0144/orm4go/pkg/query"
	"github.com/ammar0144/orm4go/pkg/schema"
)

// Delete removes a saved entity. Children of non-inverse one-to-many collections
// are deleted with it; children of inverse ones are detached and saved. Bridge rows
// naming the entity are removed. The entity becomes deleted, which is terminal,
// once the operation commits. Deleting a new entity only marks it deleted.
func (s *Session) Delete(ctx context.Context, e *entity.Entity) error {
	return s.guard(ctx, func() error { return s.delete(ctx, e) })
}

func (s *Session) delete(ctx context.Context, e *entity.Entity) error {
	switch {
	case e.IsDeleted() || s.inflight[e]:
		return nil
	case e.IsNew():
		return e.MarkDeleted(ctx)
	}
	if s.inflight == nil {
		s.inflight = make(map[*entity.Entity]bool)
	}
	s.inflight[e] = true
	defer delete(s.inflight, e)

	e.Attach(s)
	return s.run(ctx, e, func(u unit) error { return s.remove(ctx, u, e) })
}

func (s *Session) remove(ctx context.Context, u unit, e *entity.Entity) error {
	t := e.Type()
	if hook := t.Hooks.BeforeDelete; hook != nil {
		if err := hook(ctx, e); err != nil {
			return fmt.Errorf("%s before delete: %w", e, err)
		}
	}

	for _, p := range t.OneToMany() {
		c, err := e.Collection(ctx, p.Name)
		if err != nil {
			return err
		}
		for _, child := range c.Items() {
			if !p.Inverse {
				if err := s.delete(ctx, child); err != nil {
					return err
				}
				continue
			}
			if err := child.Set(p.BackRef().Name, nil); err != nil {
				return err
			}
			if err := s.save(ctx, child); err != nil {
				return err
			}
		}
	}

	entry, err := s.deletionEntry(ctx, e)
	if err != nil {
		return err
	}

	regions := []string{t.Name}
	var links []bridgeLink
	if e.ID() != nil {
		links = bridgeLinks(s.engine.reg, t)
	}
	for _, link := range links {
		sql, err := s.engine.queries.DeleteTable(link.table).
			Where(query.Cond(query.TableCol(link.table, link.column), query.Equal, e.ID())).
			ToQuery()
		if err != nil {
			return err
		}
		if _, err := u.Exec(ctx, sql); err != nil {
			return err
		}
		regions = append(regions, link.partner)
	}

	sql, err := s.engine.queries.Delete(t.Name).Where(keyConditions(t, e.Key())...).ToQuery()
	if err != nil {
		return err
	}
	if _, err := u.Exec(ctx, sql); err != nil {
		return err
	}

	u.MarkInvalidate(regions...)
	u.OnCommit(func(ctx context.Context) {
		_ = e.MarkDeleted(ctx)
		s.forget(e)
	})
	s.auditOnCommit(u, entry)

	if hook := t.Hooks.AfterDelete; hook != nil {
		if err := hook(ctx, e); err != nil {
			return fmt.Errorf("%s after delete: %w", e, err)
		}
	}
	return nil
}

// deletionEntry captures the full state of an entity about to be deleted: every
// column and the member ids of every collection
func (s *Session) deletionEntry(ctx context.Context, e *entity.Entity) (audit.Entry, error) {
	t := e.Type()
	snapshot := e.Snapshot()
	if snapshot == nil {
		snapshot = e.Values()
	}
	var changes []audit.PropertyChange
	for _, p := range t.Columns() {
		changes = append(changes, audit.PropertyChange{Property: p.Name, Old: snapshot[p.Name]})
	}
	if _, nop := s.engine.audit.(audit.Nop); !nop {
		for _, p := range t.Properties() {
			if !p.IsCollection() {
				continue
			}
			c, err := e.Collection(ctx, p.Name)
			if err != nil {
				return audit.Entry{}, err
			}
			changes = append(changes, audit.PropertyChange{Property: p.Name, Old: c.ComparisonString()})
		}
	}
	return audit.Entry{Type: t.Name, ID: identityKey(e.Key()), Kind: audit.Delete, Changes: changes}, nil
}

// bridgeLink is a bridge column holding ids of a type
type bridgeLink struct {
	table   string
	column  string
	partner string
}

// bridgeLinks returns every bridge column referencing a type: the owner column of
// its own many-to-many collections and the element column of collections of it
// declared by other types
func bridgeLinks(reg *schema.Registry, t *schema.EntityType) []bridgeLink {
	seen := make(map[string]bool)
	var out []bridgeLink
	add := func(table, column, partner string) {
		if seen[table+"."+column] {
			return
		}
		seen[table+"."+column] = true
		out = append(out, bridgeLink{table: table, column: column, partner: partner})
	}
	for _, p := range t.ManyToMany() {
		br := p.Bridge()
		add(br.Table, br.OwnerColumn, p.Target)
	}
	for _, other := range reg.Types() {
		for _, p := range other.ManyToMany() {
			if p.Target == t.Name {
				br := p.Bridge()
				add(br.Table, br.ElementColumn, other.Name)
			}
		}
	}
	return out
}
