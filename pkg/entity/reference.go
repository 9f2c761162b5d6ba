package entity

import (
	"context"
	"fmt"

	"github.com/ammar0144/orm4go/pkg/schema"
)

// Reference is the lazy cell behind a foreign-key property. It holds either an
// assigned entity or the raw id read from the store, and resolves the id through
// the owner's scope on first access.
type Reference struct {
	owner  *Entity
	prop   *schema.Property
	id     any
	target *Entity
}

// Property returns the foreign-key property
func (r *Reference) Property() *schema.Property { return r.prop }

// ID returns the referenced id (nil when unset or when the target has no id yet)
func (r *Reference) ID() any {
	if r.target != nil {
		return r.target.ID()
	}
	return r.id
}

// IsSet reports whether the reference points at anything
func (r *Reference) IsSet() bool {
	return r.target != nil || r.id != nil
}

// Loaded returns the target without loading it (nil when not resolved yet)
func (r *Reference) Loaded() *Entity { return r.target }

// Get returns the referenced entity, resolving it through the scope once
func (r *Reference) Get(ctx context.Context) (*Entity, error) {
	if r.target != nil || r.id == nil {
		return r.target, nil
	}
	if r.owner.scope == nil {
		return nil, fmt.Errorf("%w: resolving %s.%s", ErrNoScope, r.owner.t.Name, r.prop.Name)
	}
	target, err := r.owner.scope.Resolve(ctx, r.prop.TargetType(), r.id)
	if err != nil {
		return nil, err
	}
	r.target = target
	return target, nil
}

// Satisfied reports whether a required reference points at a saved entity.
// An id read from the store counts as saved.
func (r *Reference) Satisfied() bool {
	if r.target != nil {
		return r.target.IsSaved() && r.target.HasKey()
	}
	return r.id != nil
}

func (r *Reference) set(value any) error {
	switch v := value.(type) {
	case nil:
		r.id, r.target = nil, nil
		return nil
	case *Entity:
		if v == nil {
			r.id, r.target = nil, nil
			return nil
		}
		if v.t.Name != r.prop.Target {
			return fmt.Errorf("%w: %s.%s expects %s, got %s",
				ErrTypeMismatch, r.owner.t.Name, r.prop.Name, r.prop.Target, v.t.Name)
		}
		r.id, r.target = nil, v
		return nil
	case *Reference:
		if v == nil {
			r.id, r.target = nil, nil
			return nil
		}
		if v.prop.Target != r.prop.Target {
			return fmt.Errorf("%w: %s.%s expects %s, got %s",
				ErrTypeMismatch, r.owner.t.Name, r.prop.Name, r.prop.Target, v.prop.Target)
		}
		r.id, r.target = v.id, v.target
		return nil
	}
	id, err := schema.Convert(r.prop.Kind, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", r.owner.t.Name, r.prop.Name, err)
	}
	r.id, r.target = id, nil
	return nil
}
