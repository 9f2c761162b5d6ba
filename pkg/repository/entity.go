package repository

import (
	"fmt"
	"reflect"

	"github.com/ammar0144/orm4go/pkg/entity"
)

// Mapping binds a Go type to a registered entity type. The repository never uses
// reflection on T: the mapping functions copy fields explicitly.
type Mapping[T any] struct {
	// Type is the registered entity type name
	Type string

	// ID returns the key of a value; a zero key means the value was never saved
	ID func(v *T) any

	// ToEntity copies the fields of a value into an entity
	ToEntity func(v *T, e *entity.Entity) error

	// FromEntity copies the values of an entity into a value
	FromEntity func(e *entity.Entity, v *T) error
}

func (m Mapping[T]) validate() error {
	switch {
	case m.Type == "":
		return fmt.Errorf("mapping has no entity type")
	case m.ID == nil, m.ToEntity == nil, m.FromEntity == nil:
		return fmt.Errorf("mapping of %s is incomplete", m.Type)
	}
	return nil
}

func (m Mapping[T]) value(e *entity.Entity) (*T, error) {
	v := new(T)
	if err := m.FromEntity(e, v); err != nil {
		return nil, fmt.Errorf("mapping %s: %w", e, err)
	}
	return v, nil
}

func (m Mapping[T]) values(list []*entity.Entity) ([]T, error) {
	out := make([]T, 0, len(list))
	for _, e := range list {
		v, err := m.value(e)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// isZeroID reports whether a key is unset
func isZeroID(id any) bool {
	if id == nil {
		return true
	}
	return reflect.ValueOf(id).IsZero()
}
