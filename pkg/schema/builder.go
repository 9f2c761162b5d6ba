package schema

import (
	"fmt"

	"github.com/google/uuid"
)

// PropertyOption configures a Property while a type is being declared
type PropertyOption func(*Property)

// ColumnName overrides the column name (defaults to the property name)
func ColumnName(column string) PropertyOption {
	return func(p *Property) { p.Column = column }
}

// Required marks a foreign key that must reference a saved entity at save time
func Required() PropertyOption {
	return func(p *Property) { p.Required = true }
}

// Nullable allows NULL in a plain column
func Nullable() PropertyOption {
	return func(p *Property) { p.Nullable = true }
}

// Inverse marks a one-to-many whose removed children are detached instead of deleted
func Inverse() PropertyOption {
	return func(p *Property) { p.Inverse = true }
}

// BackReference names the element's foreign key pointing back at the owner
func BackReference(name string) PropertyOption {
	return func(p *Property) { p.BackReference = name }
}

// BridgeTable overrides the derived link table name of a many-to-many property
func BridgeTable(table string) PropertyOption {
	return func(p *Property) { p.BridgeTable = table }
}

// WithTime makes equality conditions on a time column compare the time of day too
func WithTime() PropertyOption {
	return func(p *Property) { p.IncludeTime = true }
}

// EnumValues restricts an enum column to the given names
func EnumValues(names ...string) PropertyOption {
	return func(p *Property) { p.EnumValues = append([]string(nil), names...) }
}

// DependsOn names the types a projection expression reads, so cached reads of the
// owner are dropped when they change
func DependsOn(types ...string) PropertyOption {
	return func(p *Property) { p.DependsOn = append(p.DependsOn, types...) }
}

// TypeBuilder declares an EntityType property by property
//
// Errors are collected and reported once by Build, so declarations can be chained:
//
//	person, err := schema.NewType("Person").
//	    Key("Id", schema.KindGUID).
//	    Column("Name", schema.KindString).
//	    Column("Age", schema.KindInt).
//	    OneToMany("Pets", "Pet").
//	    DefaultSort("Name", false).
//	    Build()
type TypeBuilder struct {
	t   *EntityType
	err error
}

// NewType starts the declaration of an entity type
func NewType(name string) *TypeBuilder {
	b := &TypeBuilder{t: &EntityType{
		Name:     name,
		Table:    name,
		byName:   make(map[string]*Property),
		byColumn: make(map[string]*Property),
	}}
	if name == "" {
		b.err = fmt.Errorf("%w: type name is required", ErrInvalidType)
	}
	return b
}

func (b *TypeBuilder) fail(format string, args ...any) *TypeBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s: %s", ErrInvalidType, b.t.Name, fmt.Sprintf(format, args...))
	}
	return b
}

func (b *TypeBuilder) add(p *Property, opts []PropertyOption) *TypeBuilder {
	if p.Name == "" {
		return b.fail("property name is required")
	}
	if _, exists := b.t.byName[p.Name]; exists {
		return b.fail("duplicate property %q", p.Name)
	}
	if p.Column == "" {
		p.Column = p.Name
	}
	for _, opt := range opts {
		opt(p)
	}
	p.owner = b.t
	b.t.properties = append(b.t.properties, p)
	b.t.byName[p.Name] = p
	if p.IsPersisted() || p.Role == RoleProjection {
		if _, exists := b.t.byColumn[p.Column]; exists {
			return b.fail("duplicate column %q", p.Column)
		}
		b.t.byColumn[p.Column] = p
	}
	return b
}

// Table sets the table name (defaults to the type name)
func (b *TypeBuilder) Table(name string) *TypeBuilder {
	b.t.Table = name
	return b
}

// ConnectionKey assigns the type to a logical connection
func (b *TypeBuilder) ConnectionKey(key string) *TypeBuilder {
	b.t.ConnectionKey = key
	return b
}

// TransactionLess makes the type bypass the shared transaction
func (b *TypeBuilder) TransactionLess() *TypeBuilder {
	b.t.TransactionLess = true
	return b
}

// Key declares a primary-key property; declare several for a composite key
func (b *TypeBuilder) Key(name string, kind Kind, opts ...PropertyOption) *TypeBuilder {
	return b.add(&Property{Name: name, Role: RolePrimaryKey, Kind: kind}, opts)
}

// Column declares a plain column
func (b *TypeBuilder) Column(name string, kind Kind, opts ...PropertyOption) *TypeBuilder {
	return b.add(&Property{Name: name, Role: RoleColumn, Kind: kind}, opts)
}

// Reference declares a foreign key to another type
func (b *TypeBuilder) Reference(name, target string, opts ...PropertyOption) *TypeBuilder {
	return b.add(&Property{Name: name, Role: RoleForeignKey, Target: target}, opts)
}

// OneToMany declares a collection of elements holding a back-reference to this type
func (b *TypeBuilder) OneToMany(name, element string, opts ...PropertyOption) *TypeBuilder {
	return b.add(&Property{Name: name, Role: RoleOneToMany, Target: element}, opts)
}

// ManyToMany declares a collection linked through a bridge table
func (b *TypeBuilder) ManyToMany(name, element string, opts ...PropertyOption) *TypeBuilder {
	return b.add(&Property{Name: name, Role: RoleManyToMany, Target: element}, opts)
}

// Projection declares a read-only value computed by a SQL expression
func (b *TypeBuilder) Projection(name string, kind Kind, expression string, opts ...PropertyOption) *TypeBuilder {
	if expression == "" {
		return b.fail("projection %q has no expression", name)
	}
	return b.add(&Property{Name: name, Role: RoleProjection, Kind: kind, Expression: expression}, opts)
}

// DefaultSort sets the column used when a select has no explicit order
func (b *TypeBuilder) DefaultSort(property string, desc bool) *TypeBuilder {
	b.t.DefaultSort = property
	b.t.DefaultSortDesc = desc
	return b
}

// Unique declares a unique-constraint group
func (b *TypeBuilder) Unique(properties ...string) *TypeBuilder {
	if len(properties) == 0 {
		return b.fail("empty unique group")
	}
	b.t.UniqueGroups = append(b.t.UniqueGroups, append([]string(nil), properties...))
	return b
}

// IDGenerator sets the function assigning ids to unsaved instances
func (b *TypeBuilder) IDGenerator(fn func() any) *TypeBuilder {
	b.t.IDGenerator = fn
	return b
}

// Hooks sets the lifecycle callbacks
func (b *TypeBuilder) Hooks(h Hooks) *TypeBuilder {
	b.t.Hooks = h
	return b
}

// Build validates the declaration and returns the immutable descriptor
func (b *TypeBuilder) Build() (*EntityType, error) {
	if b.err != nil {
		return nil, b.err
	}
	t := b.t
	if len(t.Columns()) == 0 {
		return nil, fmt.Errorf("%w: %s: no persisted column", ErrInvalidType, t.Name)
	}
	keys := t.PrimaryKeys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s: no primary key", ErrInvalidType, t.Name)
	}
	if t.DefaultSort != "" {
		p, ok := t.byName[t.DefaultSort]
		if !ok || !(p.IsPersisted() || p.Role == RoleProjection) {
			return nil, fmt.Errorf("%w: %s: default sort %q is not a column", ErrInvalidType, t.Name, t.DefaultSort)
		}
	}
	for _, group := range t.UniqueGroups {
		for _, name := range group {
			p, ok := t.byName[name]
			if !ok || !p.IsPersisted() {
				return nil, fmt.Errorf("%w: %s: unique property %q is not a column", ErrInvalidType, t.Name, name)
			}
		}
	}
	for _, p := range t.properties {
		if (p.Role == RoleForeignKey || p.IsCollection()) && p.Target == "" {
			return nil, fmt.Errorf("%w: %s.%s: missing target type", ErrInvalidType, t.Name, p.Name)
		}
		if p.Inverse && p.Role != RoleOneToMany {
			return nil, fmt.Errorf("%w: %s.%s: only one-to-many properties can be inverse", ErrInvalidType, t.Name, p.Name)
		}
	}
	if t.IDGenerator == nil && len(keys) == 1 {
		switch keys[0].Kind {
		case KindGUID:
			t.IDGenerator = func() any { return uuid.New() }
		case KindString:
			t.IDGenerator = func() any { return uuid.NewString() }
		}
	}
	return t, nil
}

// MustBuild is Build for static declarations; it panics on error
func (b *TypeBuilder) MustBuild() *EntityType {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}
