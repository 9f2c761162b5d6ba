package schema

import (
	"context"
	"fmt"
	"slices"
)

// Kind identifies the in-memory representation of a persisted value
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindInt64
	KindFloat
	KindDecimal
	KindBool
	KindGUID
	KindBytes
	KindTime
	KindEnum
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindInt64:
		return "int64"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "bool"
	case KindGUID:
		return "guid"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	case KindEnum:
		return "enum"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Role classifies how a property maps onto the store
type Role int

const (
	RoleColumn Role = iota
	RolePrimaryKey
	RoleForeignKey
	RoleProjection
	RoleOneToMany
	RoleManyToMany
)

// String returns the role name
func (r Role) String() string {
	switch r {
	case RoleColumn:
		return "column"
	case RolePrimaryKey:
		return "primary_key"
	case RoleForeignKey:
		return "foreign_key"
	case RoleProjection:
		return "projection"
	case RoleOneToMany:
		return "one_to_many"
	case RoleManyToMany:
		return "many_to_many"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Instance is the view of an entity instance that lifecycle hooks receive
type Instance interface {
	Type() *EntityType
	Get(name string) any
	Set(name string, value any) error
}

// Hook runs around a persistence operation; a non-nil error aborts it
type Hook func(ctx context.Context, e Instance) error

// Hooks holds the lifecycle callbacks of an entity type
type Hooks struct {
	BeforeSave   Hook
	AfterSave    Hook
	BeforeDelete Hook
	AfterDelete  Hook
}

// Bridge describes the link table of a many-to-many property
type Bridge struct {
	Table         string
	OwnerColumn   string
	ElementColumn string
}

// Property describes one persisted or related member of an entity type
type Property struct {
	Name   string
	Column string
	Role   Role
	Kind   Kind

	// Target is the referenced type (foreign key) or the element type (collections)
	Target string

	Required    bool
	Nullable    bool
	Inverse     bool
	IncludeTime bool

	// BackReference names the foreign key on the element type pointing at the owner
	BackReference string
	BridgeTable   string
	Expression    string
	EnumValues    []string

	// DependsOn lists the types a projection expression reads
	DependsOn []string

	owner  *EntityType
	target *EntityType
	back   *Property
	bridge Bridge
}

// Owner returns the type declaring the property
func (p *Property) Owner() *EntityType { return p.owner }

// TargetType returns the resolved referenced or element type (nil before Seal)
func (p *Property) TargetType() *EntityType { return p.target }

// BackRef returns the resolved back-reference of a one-to-many property
func (p *Property) BackRef() *Property { return p.back }

// Bridge returns the link table of a many-to-many property
func (p *Property) Bridge() Bridge { return p.bridge }

// IsPersisted reports whether the property is stored in a column of the owner table
func (p *Property) IsPersisted() bool {
	return p.Role == RoleColumn || p.Role == RolePrimaryKey || p.Role == RoleForeignKey
}

// IsCollection reports whether the property is a related collection
func (p *Property) IsCollection() bool {
	return p.Role == RoleOneToMany || p.Role == RoleManyToMany
}

// IsReference reports whether the property is a foreign key
func (p *Property) IsReference() bool { return p.Role == RoleForeignKey }

// AcceptsEnum reports whether name is a declared enum value (any name when none are declared)
func (p *Property) AcceptsEnum(name string) bool {
	if len(p.EnumValues) == 0 {
		return true
	}
	for _, v := range p.EnumValues {
		if v == name {
			return true
		}
	}
	return false
}

// EntityType is the immutable descriptor of a domain type
type EntityType struct {
	Name            string
	Table           string
	ConnectionKey   string
	TransactionLess bool
	DefaultSort     string
	DefaultSortDesc bool
	UniqueGroups    [][]string
	IDGenerator     func() any
	Hooks           Hooks

	properties []*Property
	byName     map[string]*Property
	byColumn   map[string]*Property
}

// Properties returns every declared property in declaration order
func (t *EntityType) Properties() []*Property { return t.properties }

// Property looks up a property by name
func (t *EntityType) Property(name string) (*Property, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// PropertyByColumn looks up a persisted property or projection by column name
func (t *EntityType) PropertyByColumn(column string) (*Property, bool) {
	p, ok := t.byColumn[column]
	return p, ok
}

func (t *EntityType) filter(keep func(*Property) bool) []*Property {
	var out []*Property
	for _, p := range t.properties {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// Columns returns primary keys, foreign keys and plain columns in declaration order
func (t *EntityType) Columns() []*Property {
	return t.filter((*Property).IsPersisted)
}

// PrimaryKeys returns the key properties
func (t *EntityType) PrimaryKeys() []*Property {
	return t.filter(func(p *Property) bool { return p.Role == RolePrimaryKey })
}

// ForeignKeys returns the reference properties
func (t *EntityType) ForeignKeys() []*Property {
	return t.filter(func(p *Property) bool { return p.Role == RoleForeignKey })
}

// PlainColumns returns the non-key, non-reference columns
func (t *EntityType) PlainColumns() []*Property {
	return t.filter(func(p *Property) bool { return p.Role == RoleColumn })
}

// Projections returns the computed read-only properties
func (t *EntityType) Projections() []*Property {
	return t.filter(func(p *Property) bool { return p.Role == RoleProjection })
}

// ProjectionDependencies returns the types read by the projection expressions
func (t *EntityType) ProjectionDependencies() []string {
	var out []string
	for _, p := range t.Projections() {
		for _, name := range p.DependsOn {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// OneToMany returns the one-to-many collections
func (t *EntityType) OneToMany() []*Property {
	return t.filter(func(p *Property) bool { return p.Role == RoleOneToMany })
}

// ManyToMany returns the many-to-many collections
func (t *EntityType) ManyToMany() []*Property {
	return t.filter(func(p *Property) bool { return p.Role == RoleManyToMany })
}

// Key returns the single primary key, or nil for a composite key
func (t *EntityType) Key() *Property {
	keys := t.PrimaryKeys()
	if len(keys) != 1 {
		return nil
	}
	return keys[0]
}

// HasCompositeKey reports whether identity spans several key properties
func (t *EntityType) HasCompositeKey() bool {
	return len(t.PrimaryKeys()) > 1
}

// UniqueProperties returns the distinct properties named by the unique groups
func (t *EntityType) UniqueProperties() []*Property {
	seen := make(map[string]bool)
	var out []*Property
	for _, group := range t.UniqueGroups {
		for _, name := range group {
			if seen[name] {
				continue
			}
			seen[name] = true
			if p, ok := t.byName[name]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}
