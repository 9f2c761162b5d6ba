package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ammar0144/orm4go/pkg/dialect"
	"github.com/ammar0144/orm4go/pkg/schema"
	"go.uber.org/zap"
)

// Statement SQL Builder
// Statements are rendered as literal SQL text: every value goes through Literal and the
// dialect's escaping, every identifier through the dialect's quoting.
//
// Example:
//
//	q := query.New(reg, dialect.SQLite)
//	sql, err := q.Select().
//	    From("Person").
//	    Where(query.Cond(query.Col("Person", "Age"), query.GreaterThan, 18)).
//	    Limit(10).
//	    ToQuery()

// StatementKind is the statement a builder renders
type StatementKind int

const (
	SelectStatement StatementKind = iota
	InsertStatement
	UpdateStatement
	DeleteStatement
	CountStatement
)

// PagingPolicy decides what happens when a paged select has no order
type PagingPolicy int

const (
	// PagingWarn synthesizes a primary-key sort and logs a warning
	PagingWarn PagingPolicy = iota
	// PagingPatch synthesizes a primary-key sort silently
	PagingPatch
	// PagingFail rejects the statement with ErrUnsortedPaging
	PagingFail
)

// ParsePagingPolicy maps a configuration value to a policy
func ParsePagingPolicy(s string) (PagingPolicy, error) {
	switch strings.ToLower(s) {
	case "", "warn":
		return PagingWarn, nil
	case "patch":
		return PagingPatch, nil
	case "fail":
		return PagingFail, nil
	}
	return PagingWarn, fmt.Errorf("query: unknown paging policy %q", s)
}

// columnBatch is the number of items per line in column lists
const columnBatch = 6

// Factory creates builders bound to a registry and a dialect
type Factory struct {
	reg    *schema.Registry
	d      *dialect.Dialect
	logger *zap.Logger
	paging PagingPolicy
}

// Option configures a Factory
type Option func(*Factory)

// WithLogger sets the logger used for paging warnings
func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithPagingPolicy sets the unsorted paging policy
func WithPagingPolicy(p PagingPolicy) Option {
	return func(f *Factory) { f.paging = p }
}

// New creates a builder factory
func New(reg *schema.Registry, d *dialect.Dialect, opts ...Option) *Factory {
	f := &Factory{reg: reg, d: d, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dialect returns the dialect of the factory
func (f *Factory) Dialect() *dialect.Dialect { return f.d }

// Registry returns the registry of the factory
func (f *Factory) Registry() *schema.Registry { return f.reg }

func (f *Factory) builder(kind StatementKind) *Builder {
	return &Builder{
		f:      f,
		reg:    f.reg,
		d:      f.d,
		kind:   kind,
		where:  &ConditionGroup{Operator: And},
		having: &ConditionGroup{Operator: And},
	}
}

// Select starts a SELECT; without columns the from type's columns are selected
func (f *Factory) Select(columns ...ColumnRef) *Builder {
	b := f.builder(SelectStatement)
	b.columns = append(b.columns, columns...)
	return b
}

// Count starts a SELECT COUNT(*) over a type
func (f *Factory) Count(typeName string) *Builder {
	return f.builder(CountStatement).From(typeName)
}

// Insert starts an INSERT into a type's table
func (f *Factory) Insert(typeName string) *Builder {
	return f.builder(InsertStatement).From(typeName)
}

// InsertTable starts an INSERT into an unregistered table (bridge tables)
func (f *Factory) InsertTable(table string) *Builder {
	return f.builder(InsertStatement).FromTable(table)
}

// Update starts an UPDATE of a type's table
func (f *Factory) Update(typeName string) *Builder {
	return f.builder(UpdateStatement).From(typeName)
}

// Delete starts a DELETE from a type's table
func (f *Factory) Delete(typeName string) *Builder {
	return f.builder(DeleteStatement).From(typeName)
}

// DeleteTable starts a DELETE from an unregistered table (bridge tables)
func (f *Factory) DeleteTable(table string) *Builder {
	return f.builder(DeleteStatement).FromTable(table)
}

type joinClause struct {
	kind JoinType
	hop  JoinHop
}

type orderItem struct {
	column ColumnRef
	desc   bool
}

type assignment struct {
	column string
	value  any
}

// Builder accumulates the clauses of one statement; render it once with ToQuery
type Builder struct {
	f    *Factory
	reg  *schema.Registry
	d    *dialect.Dialect
	kind StatementKind
	err  error

	columns  []ColumnRef
	from     *schema.EntityType
	table    string
	joined   []string
	joins    []joinClause
	where    *ConditionGroup
	groupBy  []ColumnRef
	having   *ConditionGroup
	orderBy  []orderItem
	noOrder  bool
	distinct bool
	top      int
	limit    int
	offset   int

	sets       []assignment
	insertCols []string
	rows       [][]any
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Kind returns the statement kind
func (b *Builder) Kind() StatementKind { return b.kind }

// Type returns the type the statement reads from or writes to (nil for raw tables)
func (b *Builder) Type() *schema.EntityType { return b.from }

// Types returns the names of the types the result depends on: the from type and
// the joined types in join order, then the types read by their projections, by
// nested selects and by membership tests
func (b *Builder) Types() []string {
	var out []string
	add := func(names ...string) {
		for _, name := range names {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	if b.from != nil {
		add(b.from.Name)
	}
	add(b.joined...)
	for _, name := range slices.Clone(out) {
		if t, err := b.reg.Type(name); err == nil {
			add(t.ProjectionDependencies()...)
		}
	}
	b.conditionTypes(b.where, add)
	b.conditionTypes(b.having, add)
	return out
}

func (b *Builder) conditionTypes(group *ConditionGroup, add func(...string)) {
	if group == nil {
		return
	}
	for _, c := range group.Conditions {
		switch c := c.(type) {
		case *ConditionGroup:
			b.conditionTypes(c, add)
		case Condition:
			if nested, ok := c.Value.(*Builder); ok && nested != nil {
				add(nested.Types()...)
			}
			if c.Column.Type == "" {
				continue
			}
			add(c.Column.Type)
			if c.Operator != Contains && c.Operator != NotContains {
				continue
			}
			if owner, err := b.reg.Type(c.Column.Type); err == nil {
				if p, ok := owner.Property(c.Column.Property); ok && p.TargetType() != nil {
					add(p.TargetType().Name)
				}
			}
		}
	}
}

// Columns adds columns to the select list
func (b *Builder) Columns(columns ...ColumnRef) *Builder {
	b.columns = append(b.columns, columns...)
	return b
}

// SelectType adds every column and projection of a type to the select list
func (b *Builder) SelectType(typeName string) *Builder {
	t, err := b.reg.Type(typeName)
	if err != nil {
		return b.fail(err)
	}
	b.columns = append(b.columns, typeColumns(t)...)
	return b
}

func typeColumns(t *schema.EntityType) []ColumnRef {
	var cols []ColumnRef
	for _, p := range t.Columns() {
		cols = append(cols, Col(t.Name, p.Name))
	}
	for _, p := range t.Projections() {
		cols = append(cols, Col(t.Name, p.Name).As(p.Column))
	}
	return cols
}

// Aggregate adds fn(column) to the select list, e.g. Aggregate("MAX", Col("Person", "Age"), "Oldest")
func (b *Builder) Aggregate(fn string, column ColumnRef, alias string) *Builder {
	sql, _, err := b.resolve(column)
	if err != nil {
		return b.fail(err)
	}
	b.columns = append(b.columns, Expr(strings.ToUpper(fn)+"("+sql+")").As(alias))
	return b
}

// From sets the statement's type
func (b *Builder) From(typeName string) *Builder {
	t, err := b.reg.Type(typeName)
	if err != nil {
		return b.fail(err)
	}
	b.from = t
	b.table = t.Table
	return b
}

// FromTable sets a raw table
// SECURITY: the table name is quoted but not validated. Never pass user input.
func (b *Builder) FromTable(table string) *Builder {
	b.from = nil
	b.table = table
	return b
}

// Join adds the tables needed to reach a type, inferring the join columns from
// the relationships of the from type, then of the already joined types
func (b *Builder) Join(typeName string, kind JoinType) *Builder {
	if b.from == nil {
		return b.fail(fmt.Errorf("%w: join by type requires From(type)", ErrUsage))
	}
	var firstErr error
	for _, source := range append([]string{b.from.Name}, b.joined...) {
		path, err := InferJoin(b.reg, source, typeName, kind)
		if err == nil {
			for _, hop := range path.Hops {
				b.joins = append(b.joins, joinClause{kind: kind, hop: hop})
			}
			b.joined = append(b.joined, typeName)
			return b
		}
		if !errors.Is(err, ErrNoRelationship) {
			return b.fail(err)
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return b.fail(firstErr)
}

// JoinOn adds a type's table joined on explicit columns
func (b *Builder) JoinOn(typeName string, kind JoinType, left, right ColumnRef) *Builder {
	t, err := b.reg.Type(typeName)
	if err != nil {
		return b.fail(err)
	}
	b.joins = append(b.joins, joinClause{kind: kind, hop: JoinHop{Table: t.Table, Left: left, Right: right}})
	b.joined = append(b.joined, typeName)
	return b
}

// JoinTable adds a raw table joined on explicit columns
func (b *Builder) JoinTable(table string, kind JoinType, left, right ColumnRef) *Builder {
	b.joins = append(b.joins, joinClause{kind: kind, hop: JoinHop{Table: table, Left: left, Right: right}})
	return b
}

// Where adds conditions combined with AND
func (b *Builder) Where(conds ...Condition) *Builder {
	b.where.Add(conds...)
	return b
}

// WhereGroup adds a grouped WHERE condition
func (b *Builder) WhereGroup(operator LogicalOperator, fn func(*ConditionGroup)) *Builder {
	b.where.Group(operator, fn)
	return b
}

// OrWhere adds an OR WHERE condition
// The existing conditions are wrapped in an AND group so their semantics are preserved
func (b *Builder) OrWhere(conds ...Condition) *Builder {
	if len(b.where.Conditions) == 0 {
		return b.Where(conds...)
	}
	alt := &ConditionGroup{Operator: And}
	alt.Add(conds...)
	if b.where.Operator == Or {
		b.where.Conditions = append(b.where.Conditions, alt)
		return b
	}
	existing := &ConditionGroup{Conditions: b.where.Conditions, Operator: And}
	b.where = &ConditionGroup{Conditions: []any{existing, alt}, Operator: Or}
	return b
}

// GroupBy adds GROUP BY columns
func (b *Builder) GroupBy(columns ...ColumnRef) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// Having adds HAVING conditions combined with AND
func (b *Builder) Having(conds ...Condition) *Builder {
	b.having.Add(conds...)
	return b
}

// OrderBy adds an ORDER BY column
func (b *Builder) OrderBy(column ColumnRef, desc bool) *Builder {
	b.orderBy = append(b.orderBy, orderItem{column: column, desc: desc})
	return b
}

// DisableOrder suppresses the default sort fallback
func (b *Builder) DisableOrder() *Builder {
	b.noOrder = true
	return b
}

// Distinct enables DISTINCT selection
func (b *Builder) Distinct() *Builder {
	b.distinct = true
	return b
}

// Top limits the number of rows
// Negative values are normalized to 0
func (b *Builder) Top(n int) *Builder {
	b.top = max(n, 0)
	return b
}

// Limit sets the maximum number of rows
// Negative values are normalized to 0
func (b *Builder) Limit(limit int) *Builder {
	b.limit = max(limit, 0)
	return b
}

// Offset sets the number of rows to skip
// Negative values are normalized to 0
func (b *Builder) Offset(offset int) *Builder {
	b.offset = max(offset, 0)
	return b
}

// Set adds an assignment to an UPDATE; name is a property of the type (a column for raw tables)
func (b *Builder) Set(name string, value any) *Builder {
	b.sets = append(b.sets, assignment{column: name, value: value})
	return b
}

// Into sets the INSERT column list; names are properties of the type (columns for raw tables)
func (b *Builder) Into(names ...string) *Builder {
	b.insertCols = append([]string(nil), names...)
	return b
}

// Values appends one INSERT row
func (b *Builder) Values(values ...any) *Builder {
	b.rows = append(b.rows, values)
	return b
}

// Rows appends several INSERT rows
func (b *Builder) Rows(rows [][]any) *Builder {
	b.rows = append(b.rows, rows...)
	return b
}

// ToQuery renders the statement
func (b *Builder) ToQuery() (string, error) {
	if b.err != nil {
		return "", b.err
	}
	if b.table == "" {
		return "", fmt.Errorf("%w: statement has no table", ErrUsage)
	}
	switch b.kind {
	case SelectStatement:
		return b.buildSelect()
	case CountStatement:
		return b.buildCount()
	case InsertStatement:
		return b.buildInsert()
	case UpdateStatement:
		return b.buildUpdate()
	case DeleteStatement:
		return b.buildDelete()
	}
	return "", fmt.Errorf("%w: unknown statement kind %d", ErrUsage, b.kind)
}

// resolve renders a column reference and returns its property when it names one
func (b *Builder) resolve(ref ColumnRef) (string, *schema.Property, error) {
	switch {
	case ref.Expr != "":
		return ref.Expr, nil, nil
	case ref.Type != "":
		t, err := b.reg.Type(ref.Type)
		if err != nil {
			return "", nil, err
		}
		p, ok := t.Property(ref.Property)
		if !ok {
			return "", nil, fmt.Errorf("%w: %w: %s", ErrUsage, schema.ErrUnknownProperty, ref)
		}
		switch {
		case p.Role == schema.RoleProjection:
			return "(" + p.Expression + ")", p, nil
		case p.IsCollection():
			return "", nil, fmt.Errorf("%w: %s is a collection, use Contains", ErrUsage, ref)
		}
		return b.d.Column(t.Table, p.Column), p, nil
	case ref.Table != "":
		return b.d.Column(ref.Table, ref.Column), nil, nil
	case ref.Column != "":
		return b.d.Quote(ref.Column), nil, nil
	}
	return "", nil, fmt.Errorf("%w: empty column reference", ErrUsage)
}

// columnName maps an INSERT/UPDATE name to the unqualified quoted column
func (b *Builder) columnName(name string) (string, error) {
	if b.from == nil {
		return b.d.Quote(name), nil
	}
	p, ok := b.from.Property(name)
	if !ok || !p.IsPersisted() {
		return "", fmt.Errorf("%w: %w: %s.%s is not a column", ErrUsage, schema.ErrUnknownProperty, b.from.Name, name)
	}
	return b.d.Quote(p.Column), nil
}

// batch joins items with ", " and breaks the line every columnBatch items
func batch(items []string) string {
	var lines []string
	for start := 0; start < len(items); start += columnBatch {
		end := min(start+columnBatch, len(items))
		lines = append(lines, strings.Join(items[start:end], ", "))
	}
	return strings.Join(lines, ",\n\t")
}

func (b *Builder) rowLimit() int {
	if b.limit > 0 {
		return b.limit
	}
	return b.top
}

func (b *Builder) paged() bool {
	return b.rowLimit() > 0 || b.offset > 0
}

func (b *Builder) buildSelect() (string, error) {
	columns := b.columns
	if len(columns) == 0 {
		if b.from == nil {
			columns = []ColumnRef{Expr("*")}
		} else {
			columns = typeColumns(b.from)
		}
	}
	items := make([]string, 0, len(columns))
	for _, c := range columns {
		sql, _, err := b.resolve(c)
		if err != nil {
			return "", err
		}
		if c.Alias != "" {
			sql += " AS " + b.d.Quote(c.Alias)
		}
		items = append(items, sql)
	}

	var query strings.Builder
	query.WriteString("SELECT ")
	if b.distinct {
		query.WriteString("DISTINCT ")
	}
	if b.d.Paging == dialect.PagingTop && b.offset == 0 && b.rowLimit() > 0 {
		query.WriteString(b.d.Top(b.rowLimit()))
		query.WriteString(" ")
	}
	query.WriteString(batch(items))

	if err := b.writeBody(&query); err != nil {
		return "", err
	}

	if len(b.groupBy) > 0 {
		groups := make([]string, 0, len(b.groupBy))
		for _, g := range b.groupBy {
			sql, _, err := b.resolve(g)
			if err != nil {
				return "", err
			}
			groups = append(groups, sql)
		}
		query.WriteString("\nGROUP BY ")
		query.WriteString(batch(groups))
	}

	if len(b.having.Conditions) > 0 {
		sql, err := b.buildConditionGroup(b.having)
		if err != nil {
			return "", err
		}
		if sql != "" {
			query.WriteString("\nHAVING ")
			query.WriteString(sql)
		}
	}

	order, err := b.effectiveOrder()
	if err != nil {
		return "", err
	}
	if len(order) > 0 {
		parts := make([]string, 0, len(order))
		for _, o := range order {
			sql, _, err := b.resolve(o.column)
			if err != nil {
				return "", err
			}
			if o.desc {
				sql += " DESC"
			} else {
				sql += " ASC"
			}
			parts = append(parts, sql)
		}
		query.WriteString("\nORDER BY ")
		query.WriteString(batch(parts))
	}

	if paging := b.pagingClause(); paging != "" {
		query.WriteString("\n")
		query.WriteString(paging)
	}
	return query.String(), nil
}

// writeBody writes the FROM, JOIN and WHERE clauses shared by SELECT and COUNT
func (b *Builder) writeBody(query *strings.Builder) error {
	query.WriteString("\nFROM ")
	query.WriteString(b.d.Table(b.table))

	for _, j := range b.joins {
		left, _, err := b.resolve(j.hop.Left)
		if err != nil {
			return err
		}
		right, _, err := b.resolve(j.hop.Right)
		if err != nil {
			return err
		}
		keyword := b.d.InnerJoin()
		if j.kind == LeftJoin {
			keyword = b.d.LeftOuterJoin()
		}
		fmt.Fprintf(query, "\n%s %s ON %s = %s", keyword, b.d.Table(j.hop.Table), left, right)
	}
	return b.writeWhere(query)
}

func (b *Builder) writeWhere(query *strings.Builder) error {
	if len(b.where.Conditions) == 0 {
		return nil
	}
	sql, err := b.buildConditionGroup(b.where)
	if err != nil {
		return err
	}
	if sql != "" {
		query.WriteString("\nWHERE ")
		query.WriteString(sql)
	}
	return nil
}

// effectiveOrder applies the default sort and the unsorted paging policy
func (b *Builder) effectiveOrder() ([]orderItem, error) {
	if len(b.orderBy) > 0 {
		return b.orderBy, nil
	}
	if !b.noOrder && b.from != nil && b.from.DefaultSort != "" {
		return []orderItem{{column: Col(b.from.Name, b.from.DefaultSort), desc: b.from.DefaultSortDesc}}, nil
	}
	if !b.paged() {
		return nil, nil
	}

	if b.f.paging == PagingFail {
		return nil, fmt.Errorf("%w: select from %s", ErrUnsortedPaging, b.table)
	}
	fields := []zap.Field{zap.String("table", b.table), zap.Int("limit", b.rowLimit()), zap.Int("offset", b.offset)}
	// raw tables have no known key to sort by
	if b.from == nil {
		if b.f.paging == PagingWarn {
			b.f.logger.Warn("paging without order, row order is unspecified", fields...)
		}
		return nil, nil
	}
	if b.f.paging == PagingWarn {
		b.f.logger.Warn("paging without order, sorting by primary key", fields...)
	}
	key := b.from.PrimaryKeys()[0]
	return []orderItem{{column: Col(b.from.Name, key.Name)}}, nil
}

func (b *Builder) pagingClause() string {
	rows := b.rowLimit()
	switch {
	case b.d.Paging == dialect.PagingTop && b.offset == 0:
		return ""
	case rows > 0:
		return b.d.Limit(b.offset, rows)
	case b.offset > 0:
		return b.d.Offset(b.offset)
	}
	return ""
}

func (b *Builder) buildCount() (string, error) {
	var query strings.Builder
	query.WriteString("SELECT COUNT(*)")
	if err := b.writeBody(&query); err != nil {
		return "", err
	}
	return query.String(), nil
}

func (b *Builder) buildInsert() (string, error) {
	if len(b.insertCols) == 0 || len(b.rows) == 0 {
		return "", fmt.Errorf("%w: insert into %s requires columns and values", ErrUsage, b.table)
	}
	cols := make([]string, len(b.insertCols))
	for i, name := range b.insertCols {
		col, err := b.columnName(name)
		if err != nil {
			return "", err
		}
		cols[i] = col
	}

	rows := make([]string, len(b.rows))
	for i, row := range b.rows {
		if len(row) != len(cols) {
			return "", fmt.Errorf("%w: insert into %s: row %d has %d values for %d columns", ErrUsage, b.table, i, len(row), len(cols))
		}
		values := make([]string, len(row))
		for j, v := range row {
			lit, err := Literal(b.d, v)
			if err != nil {
				return "", fmt.Errorf("%s: %w", b.insertCols[j], err)
			}
			values[j] = lit
		}
		rows[i] = "(" + strings.Join(values, ", ") + ")"
	}

	var query strings.Builder
	query.WriteString("INSERT INTO ")
	query.WriteString(b.d.Table(b.table))
	query.WriteString(" (")
	query.WriteString(strings.Join(cols, ", "))
	query.WriteString(")\nVALUES ")
	query.WriteString(strings.Join(rows, ",\n"))
	return query.String(), nil
}

func (b *Builder) buildUpdate() (string, error) {
	if len(b.sets) == 0 {
		return "", fmt.Errorf("%w: update of %s has no assignments", ErrUsage, b.table)
	}
	sets := make([]string, len(b.sets))
	for i, s := range b.sets {
		col, err := b.columnName(s.column)
		if err != nil {
			return "", err
		}
		lit, err := b.operand(s.value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", s.column, err)
		}
		sets[i] = col + " = " + lit
	}

	var query strings.Builder
	query.WriteString("UPDATE ")
	query.WriteString(b.d.Table(b.table))
	query.WriteString("\nSET ")
	query.WriteString(strings.Join(sets, ", "))
	if err := b.writeWhere(&query); err != nil {
		return "", err
	}
	return query.String(), nil
}

func (b *Builder) buildDelete() (string, error) {
	var query strings.Builder
	query.WriteString("DELETE FROM ")
	query.WriteString(b.d.Table(b.table))
	if err := b.writeWhere(&query); err != nil {
		return "", err
	}
	return query.String(), nil
}
