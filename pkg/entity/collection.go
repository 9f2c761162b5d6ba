package entity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ammar0144/orm4go/pkg/schema"
)

// Collection is a materialized one-to-many or many-to-many property.
// An item is never both added and removed: adding a removed item cancels the
// removal and removing an added item cancels the addition.
type Collection struct {
	owner    *Entity
	prop     *schema.Property
	items    []*Entity
	added    []*Entity
	removed  []*Entity
	baseline string
}

// Owner returns the entity owning the collection
func (c *Collection) Owner() *Entity { return c.owner }

// Property returns the collection property
func (c *Collection) Property() *schema.Property { return c.prop }

// Add appends items; one-to-many items get their back-reference pointed at the owner
func (c *Collection) Add(items ...*Entity) error {
	for _, item := range items {
		if item.t.Name != c.prop.Target {
			return fmt.Errorf("%w: %s.%s holds %s, got %s",
				ErrTypeMismatch, c.owner.t.Name, c.prop.Name, c.prop.Target, item.t.Name)
		}
		if back := c.prop.BackRef(); back != nil {
			if err := item.Set(back.Name, c.owner); err != nil {
				return err
			}
		}
		if i := indexOf(c.removed, item); i >= 0 {
			c.removed = without(c.removed, i)
			c.items = append(c.items, item)
			continue
		}
		if indexOf(c.items, item) >= 0 {
			continue
		}
		c.items = append(c.items, item)
		c.added = append(c.added, item)
	}
	return nil
}

// Remove drops items from the collection
func (c *Collection) Remove(items ...*Entity) {
	for _, item := range items {
		i := indexOf(c.items, item)
		if i < 0 {
			continue
		}
		member := c.items[i]
		c.items = without(c.items, i)
		if j := indexOf(c.added, member); j >= 0 {
			c.added = without(c.added, j)
			continue
		}
		c.removed = append(c.removed, member)
	}
}

// Items returns the current members
func (c *Collection) Items() []*Entity { return append([]*Entity(nil), c.items...) }

// Len returns the number of members
func (c *Collection) Len() int { return len(c.items) }

// Added returns the members added since the collection was loaded or last saved
func (c *Collection) Added() []*Entity { return append([]*Entity(nil), c.added...) }

// Removed returns the members removed since the collection was loaded or last saved
func (c *Collection) Removed() []*Entity { return append([]*Entity(nil), c.removed...) }

// Contains reports membership by identity
func (c *Collection) Contains(e *Entity) bool { return indexOf(c.items, e) >= 0 }

// MemberIDs returns the ids of the members that have one
func (c *Collection) MemberIDs() []any {
	ids := make([]any, 0, len(c.items))
	for _, item := range c.items {
		if id := item.ID(); id != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ComparisonString returns the canonical, order-independent form of the membership
func (c *Collection) ComparisonString() string {
	keys := make([]string, len(c.items))
	for i, item := range c.items {
		if item.HasKey() {
			parts := make([]string, 0, 1)
			for _, v := range item.Key() {
				parts = append(parts, schema.Format(v))
			}
			keys[i] = strings.Join(parts, "|")
		} else {
			keys[i] = "?"
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// IsDirty reports whether the membership changed since the last baseline
func (c *Collection) IsDirty() bool {
	return len(c.added) > 0 || len(c.removed) > 0 || c.ComparisonString() != c.baseline
}

// AcceptChanges clears the shadow sets and takes the current membership as baseline
func (c *Collection) AcceptChanges() {
	c.added = nil
	c.removed = nil
	c.baseline = c.ComparisonString()
}

func indexOf(list []*Entity, e *Entity) int {
	for i, item := range list {
		if sameIdentity(item, e) {
			return i
		}
	}
	return -1
}

func without(list []*Entity, i int) []*Entity {
	out := make([]*Entity, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}
