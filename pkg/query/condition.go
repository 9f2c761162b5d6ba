package query

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ammar0144/orm4go/pkg/schema"
)

// Operator represents SQL comparison operators
type Operator string

const (
	Equal              Operator = "="
	NotEqual           Operator = "<>"
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Like               Operator = "LIKE"
	NotLike            Operator = "NOT LIKE"
	In                 Operator = "IN"
	NotIn              Operator = "NOT IN"
	IsNull             Operator = "IS NULL"
	IsNotNull          Operator = "IS NOT NULL"
	Between            Operator = "BETWEEN"
	NotBetween         Operator = "NOT BETWEEN"

	// Contains tests membership of the value in a related collection
	Contains    Operator = "CONTAINS"
	NotContains Operator = "NOT CONTAINS"
)

// LogicalOperator for combining conditions
type LogicalOperator string

const (
	And LogicalOperator = "AND"
	Or  LogicalOperator = "OR"
)

// ColumnRef points at a column of a registered type, a raw table column or a raw expression
type ColumnRef struct {
	Type     string
	Property string
	Table    string
	Column   string
	Expr     string
	Alias    string
}

// Col references a property of a registered type
func Col(typeName, property string) ColumnRef {
	return ColumnRef{Type: typeName, Property: property}
}

// TableCol references a column of an unregistered table (bridge tables)
func TableCol(table, column string) ColumnRef {
	return ColumnRef{Table: table, Column: column}
}

// Expr references a raw SQL expression, used verbatim
// SECURITY: the expression is NOT escaped. Never pass user input.
func Expr(sql string) ColumnRef {
	return ColumnRef{Expr: sql}
}

// As sets the select-list alias
func (c ColumnRef) As(alias string) ColumnRef {
	c.Alias = alias
	return c
}

// String returns a readable form of the reference for error messages
func (c ColumnRef) String() string {
	switch {
	case c.Expr != "":
		return c.Expr
	case c.Type != "":
		return c.Type + "." + c.Property
	case c.Table != "":
		return c.Table + "." + c.Column
	}
	return c.Column
}

// Condition is an immutable {column, operator, value} triple
type Condition struct {
	Column   ColumnRef
	Operator Operator
	Value    any

	// WithTime keeps the time of day in date equality comparisons
	WithTime bool
}

// Cond builds a condition
func Cond(column ColumnRef, operator Operator, value any) Condition {
	return Condition{Column: column, Operator: operator, Value: value}
}

// IncludeTime returns a copy of the condition comparing times including the time of day
func (c Condition) IncludeTime() Condition {
	c.WithTime = true
	return c
}

// ConditionGroup represents grouped conditions with logical operators
type ConditionGroup struct {
	Conditions []any // Condition or nested *ConditionGroup
	Operator   LogicalOperator
}

// Where adds a condition to the group
func (g *ConditionGroup) Where(column ColumnRef, operator Operator, value any) *ConditionGroup {
	g.Conditions = append(g.Conditions, Cond(column, operator, value))
	return g
}

// Add appends prepared conditions to the group
func (g *ConditionGroup) Add(conds ...Condition) *ConditionGroup {
	for _, c := range conds {
		g.Conditions = append(g.Conditions, c)
	}
	return g
}

// Group adds a nested condition group
func (g *ConditionGroup) Group(operator LogicalOperator, fn func(*ConditionGroup)) *ConditionGroup {
	group := &ConditionGroup{Operator: operator}
	fn(group)
	g.Conditions = append(g.Conditions, group)
	return g
}

// buildConditionGroup builds SQL for a condition group with proper logical operators
func (b *Builder) buildConditionGroup(group *ConditionGroup) (string, error) {
	var conditions []string
	for _, item := range group.Conditions {
		switch cond := item.(type) {
		case Condition:
			sql, err := b.buildCondition(cond)
			if err != nil {
				return "", err
			}
			conditions = append(conditions, sql)
		case *ConditionGroup:
			sql, err := b.buildConditionGroup(cond)
			if err != nil {
				return "", err
			}
			if sql != "" {
				conditions = append(conditions, "("+sql+")")
			}
		}
	}
	op := group.Operator
	if op == "" {
		op = And
	}
	return strings.Join(conditions, " "+string(op)+" "), nil
}

// buildCondition builds SQL for a single condition
func (b *Builder) buildCondition(cond Condition) (string, error) {
	if cond.Operator == Contains || cond.Operator == NotContains {
		return b.buildMembership(cond)
	}

	col, prop, err := b.resolve(cond.Column)
	if err != nil {
		return "", err
	}

	switch cond.Operator {
	case IsNull, IsNotNull:
		return col + " " + string(cond.Operator), nil
	case In, NotIn:
		list, err := b.inList(cond.Value)
		if err != nil {
			return "", fmt.Errorf("%s %s: %w", cond.Column, cond.Operator, err)
		}
		return fmt.Sprintf("%s %s (%s)", col, cond.Operator, list), nil
	case Between, NotBetween:
		return b.buildBetween(col, cond)
	case Equal, NotEqual:
		if isNull(cond.Value) {
			if cond.Operator == Equal {
				return col + " IS NULL", nil
			}
			return col + " IS NOT NULL", nil
		}
	case Like, NotLike, GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual:
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrUsage, cond.Operator)
	}

	value, err := b.operand(cond.Value)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cond.Column, err)
	}
	if (cond.Operator == Equal || cond.Operator == NotEqual) && b.truncateToDate(cond, prop) {
		col, value = b.d.Date(col), b.d.Date(value)
	}
	return fmt.Sprintf("%s %s %s", col, cond.Operator, value), nil
}

// truncateToDate reports whether an equality on a time value compares dates only
func (b *Builder) truncateToDate(cond Condition, prop *schema.Property) bool {
	if cond.WithTime {
		return false
	}
	if prop != nil {
		return prop.Kind == schema.KindTime && prop.IsPersisted() && !prop.IncludeTime
	}
	switch v := cond.Value.(type) {
	case time.Time:
		return true
	case *time.Time:
		return v != nil
	}
	return false
}

// operand renders the right-hand side of a comparison: another column or a literal
func (b *Builder) operand(v any) (string, error) {
	if ref, ok := v.(ColumnRef); ok {
		sql, _, err := b.resolve(ref)
		return sql, err
	}
	return Literal(b.d, v)
}

// inList renders the parenthesized content of an IN/NOT IN condition
func (b *Builder) inList(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", ErrInvalidIn
	case string:
		if strings.TrimSpace(t) == "" {
			return "", ErrInvalidIn
		}
		return t, nil
	case *Builder:
		if t == nil {
			return "", ErrInvalidIn
		}
		sql, err := t.ToQuery()
		if err != nil {
			return "", err
		}
		return strings.Join(strings.Fields(sql), " "), nil
	case IDLister:
		ids := t.MemberIDs()
		if len(ids) == 0 {
			return "", ErrInvalidIn
		}
		return listLiteral(b.d, ids)
	case []byte:
		return "", fmt.Errorf("%w: %T", ErrInvalidIn, v)
	}
	return List(b.d, v)
}

func (b *Builder) buildBetween(col string, cond Condition) (string, error) {
	rv := reflect.ValueOf(cond.Value)
	if cond.Value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Len() != 2 {
		return "", fmt.Errorf("%w: %s %s requires exactly two values", ErrUsage, cond.Column, cond.Operator)
	}
	low, err := b.operand(rv.Index(0).Interface())
	if err != nil {
		return "", err
	}
	high, err := b.operand(rv.Index(1).Interface())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s AND %s", col, cond.Operator, low, high), nil
}

// buildMembership renders a Contains condition as a sub-select over the relation
// backing the collection: the bridge of a many-to-many, or the element table of a
// one-to-many.
func (b *Builder) buildMembership(cond Condition) (string, error) {
	if cond.Column.Type == "" {
		return "", fmt.Errorf("%w: %s requires a collection property", ErrUsage, cond.Operator)
	}
	owner, err := b.reg.Type(cond.Column.Type)
	if err != nil {
		return "", err
	}
	prop, ok := owner.Property(cond.Column.Property)
	if !ok || !prop.IsCollection() {
		return "", fmt.Errorf("%w: %s is not a collection", ErrUsage, cond.Column)
	}
	key := owner.Key()
	if key == nil {
		return "", fmt.Errorf("%w: %s has a composite key", ErrUsage, owner.Name)
	}

	var table, ownerCol, elementCol string
	element := prop.TargetType()
	if prop.Role == schema.RoleManyToMany {
		br := prop.Bridge()
		table, ownerCol, elementCol = br.Table, br.OwnerColumn, br.ElementColumn
	} else {
		table, ownerCol, elementCol = element.Table, prop.BackRef().Column, element.Key().Column
	}

	var match string
	if isList(cond.Value) {
		list, err := b.inList(cond.Value)
		if err != nil {
			return "", err
		}
		match = fmt.Sprintf("%s IN (%s)", b.d.Column(table, elementCol), list)
	} else {
		value, err := Literal(b.d, cond.Value)
		if err != nil {
			return "", err
		}
		match = fmt.Sprintf("%s = %s", b.d.Column(table, elementCol), value)
	}

	in := "IN"
	if cond.Operator == NotContains {
		in = "NOT IN"
	}
	return fmt.Sprintf("%s %s (SELECT %s FROM %s WHERE %s)",
		b.d.Column(owner.Table, key.Column), in, b.d.Column(table, ownerCol), b.d.Table(table), match), nil
}

func isList(v any) bool {
	if _, ok := v.(IDLister); ok {
		return true
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return true
	}
	if id, ok := v.(Identifiable); ok {
		return id.ID() == nil
	}
	return false
}
