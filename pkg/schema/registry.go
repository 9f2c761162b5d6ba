package schema

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Registry holds every entity type of an application
//
// Types are registered once at startup, then Seal resolves the cross-type links and
// freezes the registry. After Seal the read path is lock-free.
type Registry struct {
	types  map[string]*EntityType
	order  []string
	sealed atomic.Bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*EntityType)}
}

// Register adds a built type to the registry
func (r *Registry) Register(t *EntityType) error {
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %s", ErrRegistrySealed, t.Name)
	}
	if t == nil || t.Name == "" {
		return fmt.Errorf("%w: nil or unnamed type", ErrInvalidType)
	}
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Name)
	}
	r.types[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister registers every type and panics on the first error
func (r *Registry) MustRegister(types ...*EntityType) *Registry {
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Seal resolves targets, back-references and bridges, then freezes the registry
func (r *Registry) Seal() error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	for _, name := range r.order {
		t := r.types[name]
		for _, p := range t.properties {
			if err := r.resolve(t, p); err != nil {
				return err
			}
		}
	}
	r.sealed.Store(true)
	return nil
}

// MustSeal is Seal for static setups; it panics on error
func (r *Registry) MustSeal() *Registry {
	if err := r.Seal(); err != nil {
		panic(err)
	}
	return r
}

// Sealed reports whether Seal completed
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

func (r *Registry) resolve(t *EntityType, p *Property) error {
	for _, name := range p.DependsOn {
		if _, ok := r.types[name]; !ok {
			return fmt.Errorf("%w: %s.%s depends on %s", ErrTypeNotRegistered, t.Name, p.Name, name)
		}
	}
	if p.Role != RoleForeignKey && !p.IsCollection() {
		return nil
	}
	target, ok := r.types[p.Target]
	if !ok {
		return fmt.Errorf("%w: %s.%s targets %s", ErrTypeNotRegistered, t.Name, p.Name, p.Target)
	}
	p.target = target

	switch p.Role {
	case RoleForeignKey:
		key := target.Key()
		if key == nil {
			return fmt.Errorf("%w: %s.%s references composite-key type %s", ErrInvalidType, t.Name, p.Name, target.Name)
		}
		p.Kind = key.Kind
	case RoleOneToMany:
		back, err := backReference(t, p, target)
		if err != nil {
			return err
		}
		p.back = back
	case RoleManyToMany:
		p.bridge = bridgeFor(t, p, target)
	}
	return nil
}

func backReference(owner *EntityType, p *Property, element *EntityType) (*Property, error) {
	if p.BackReference != "" {
		back, ok := element.byName[p.BackReference]
		if !ok || back.Role != RoleForeignKey || back.Target != owner.Name {
			return nil, fmt.Errorf("%w: %s.%s: %s.%s is not a reference to %s",
				ErrInvalidType, owner.Name, p.Name, element.Name, p.BackReference, owner.Name)
		}
		return back, nil
	}
	var found *Property
	for _, fk := range element.ForeignKeys() {
		if fk.Target != owner.Name {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s.%s: several references from %s to %s, declare BackReference",
				ErrInvalidType, owner.Name, p.Name, element.Name, owner.Name)
		}
		found = fk
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s.%s: %s has no reference to %s",
			ErrInvalidType, owner.Name, p.Name, element.Name, owner.Name)
	}
	return found, nil
}

func bridgeFor(owner *EntityType, p *Property, element *EntityType) Bridge {
	b := Bridge{
		Table:         p.BridgeTable,
		OwnerColumn:   owner.Name + "Id",
		ElementColumn: element.Name + "Id",
	}
	if b.Table == "" {
		b.Table = BridgeTableName(owner.Name, element.Name)
	}
	if owner == element {
		b.ElementColumn = p.Name + "Id"
	}
	return b
}

// BridgeTableName returns the alphabetically ordered concatenation of two type names
func BridgeTableName(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + b
}

// Type returns a registered type
func (r *Registry) Type(name string) (*EntityType, error) {
	if !r.sealed.Load() {
		return nil, ErrNotSealed
	}
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, name)
	}
	return t, nil
}

// MustType is Type for names known to be registered; it panics on error
func (r *Registry) MustType(name string) *EntityType {
	t, err := r.Type(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Types returns the registered types sorted by name
func (r *Registry) Types() []*EntityType {
	out := make([]*EntityType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Columns returns the persisted properties of a type
func (r *Registry) Columns(name string) ([]*Property, error) {
	t, err := r.Type(name)
	if err != nil {
		return nil, err
	}
	return t.Columns(), nil
}

// PrimaryKeys returns the key properties of a type
func (r *Registry) PrimaryKeys(name string) ([]*Property, error) {
	t, err := r.Type(name)
	if err != nil {
		return nil, err
	}
	return t.PrimaryKeys(), nil
}

// ForeignKeys returns the reference properties of a type
func (r *Registry) ForeignKeys(name string) ([]*Property, error) {
	t, err := r.Type(name)
	if err != nil {
		return nil, err
	}
	return t.ForeignKeys(), nil
}

// OneToMany returns the one-to-many collections of a type
func (r *Registry) OneToMany(name string) ([]*Property, error) {
	t, err := r.Type(name)
	if err != nil {
		return nil, err
	}
	return t.OneToMany(), nil
}

// ManyToMany returns the many-to-many collections of a type
func (r *Registry) ManyToMany(name string) ([]*Property, error) {
	t, err := r.Type(name)
	if err != nil {
		return nil, err
	}
	return t.ManyToMany(), nil
}

// DefaultSort returns the default sort property and direction of a type (nil when unset)
func (r *Registry) DefaultSort(name string) (*Property, bool, error) {
	t, err := r.Type(name)
	if err != nil {
		return nil, false, err
	}
	if t.DefaultSort == "" {
		return nil, false, nil
	}
	return t.byName[t.DefaultSort], t.DefaultSortDesc, nil
}

// Referencing returns every foreign key in the registry targeting the named type
func (r *Registry) Referencing(name string) ([]*Property, error) {
	if _, err := r.Type(name); err != nil {
		return nil, err
	}
	var out []*Property
	for _, t := range r.Types() {
		for _, fk := range t.ForeignKeys() {
			if fk.Target == name {
				out = append(out, fk)
			}
		}
	}
	return out, nil
}
