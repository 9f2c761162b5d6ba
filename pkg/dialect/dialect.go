// Package dialect provides the vendor-specific SQL tokens used by the statement builder.
//
// A Dialect is plain data plus pure formatting methods; the built-in dialects are
// registered at init and can be looked up by name. Swapping the dialect of a builder
// never requires touching the builder itself.
package dialect

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PagingStyle selects how row limits are expressed
type PagingStyle int

const (
	// PagingLimitOffset renders a trailing LIMIT/OFFSET clause
	PagingLimitOffset PagingStyle = iota
	// PagingTop renders SELECT TOP n, or OFFSET ... FETCH NEXT when an offset is present
	PagingTop
)

// DatePart names a component of a date/time value
type DatePart string

const (
	Year   DatePart = "year"
	Month  DatePart = "month"
	Day    DatePart = "day"
	Hour   DatePart = "hour"
	Minute DatePart = "minute"
	Second DatePart = "second"
)

// Dialect describes the syntax of one database vendor
type Dialect struct {
	Name string

	// Identifier quoting pair
	QuoteOpen  string
	QuoteClose string

	// TablePrefix is prepended to every table name (e.g. a schema "dbo.")
	TablePrefix string

	Paging PagingStyle

	// String literal encoding of CR/LF: concatenation with a char function, or backslash escapes
	Concat           string
	CharFunc         string
	BackslashEscapes bool

	// Binary literal wrapping around the hex digits
	HexOpen  string
	HexClose string

	// Time literal format and the representable range
	TimeFormat string
	MinTime    time.Time
	MaxTime    time.Time

	TrueLiteral  string
	FalseLiteral string

	// DateFunc truncates a column to its date component (a %s pattern)
	DateFunc string
	// DatePartFunc extracts a date part from a column
	DatePartFunc func(part DatePart, column string) string
	// OffsetFunc renders paging with an offset and no row limit
	OffsetFunc func(offset int) string
}

// WithTablePrefix returns a copy of the dialect that prefixes every table name
func (d *Dialect) WithTablePrefix(prefix string) *Dialect {
	c := *d
	c.TablePrefix = prefix
	return &c
}

// Quote quotes an identifier, doubling any embedded closing quote
func (d *Dialect) Quote(ident string) string {
	return d.QuoteOpen + strings.ReplaceAll(ident, d.QuoteClose, d.QuoteClose+d.QuoteClose) + d.QuoteClose
}

// Table returns the prefixed, quoted table name
func (d *Dialect) Table(name string) string {
	return d.TablePrefix + d.Quote(name)
}

// Column returns a table-qualified column reference
func (d *Dialect) Column(table, column string) string {
	return d.Table(table) + "." + d.Quote(column)
}

// InnerJoin returns the inner join keyword
func (d *Dialect) InnerJoin() string { return "INNER JOIN" }

// LeftOuterJoin returns the left outer join keyword
func (d *Dialect) LeftOuterJoin() string { return "LEFT OUTER JOIN" }

// Top returns the select prefix limiting the row count ("" for limit/offset dialects)
func (d *Dialect) Top(n int) string {
	if d.Paging != PagingTop {
		return ""
	}
	return "TOP " + strconv.Itoa(n)
}

// Limit returns the trailing paging clause for a row window
func (d *Dialect) Limit(offset, rows int) string {
	if d.Paging == PagingTop {
		return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, rows)
	}
	if offset == 0 {
		return "LIMIT " + strconv.Itoa(rows)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", rows, offset)
}

// Offset returns the trailing paging clause skipping rows without a limit
func (d *Dialect) Offset(offset int) string {
	if d.OffsetFunc != nil {
		return d.OffsetFunc(offset)
	}
	return "OFFSET " + strconv.Itoa(offset)
}

// Date truncates an expression to its date component
func (d *Dialect) Date(expr string) string {
	return fmt.Sprintf(d.DateFunc, expr)
}

// DatePart extracts a component of a date/time expression
func (d *Dialect) DatePart(part DatePart, expr string) string {
	if d.DatePartFunc != nil {
		return d.DatePartFunc(part, expr)
	}
	return fmt.Sprintf("EXTRACT(%s FROM %s)", strings.ToUpper(string(part)), expr)
}

// StringLiteral quotes a string, escaping quotes and encoding line breaks
func (d *Dialect) StringLiteral(s string) string {
	if d.BackslashEscapes {
		r := strings.NewReplacer(`\`, `\\`, `'`, `''`, "\r", `\r`, "\n", `\n`, "\x00", `\0`)
		return "'" + r.Replace(s) + "'"
	}
	s = strings.ReplaceAll(s, "'", "''")
	if !strings.ContainsAny(s, "\r\n") {
		return "'" + s + "'"
	}

	var parts []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, "'"+cur.String()+"'")
			cur.Reset()
		}
	}
	for _, r := range s {
		switch r {
		case '\r':
			flush()
			parts = append(parts, d.CharFunc+"(13)")
		case '\n':
			flush()
			parts = append(parts, d.CharFunc+"(10)")
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return strings.Join(parts, d.Concat)
}

// BinaryLiteral renders bytes as a hex literal
func (d *Dialect) BinaryLiteral(b []byte) string {
	return d.HexOpen + strings.ToUpper(hex.EncodeToString(b)) + d.HexClose
}

// ClampTime limits t to the representable range of the dialect
func (d *Dialect) ClampTime(t time.Time) time.Time {
	if t.Before(d.MinTime) {
		return d.MinTime
	}
	if t.After(d.MaxTime) {
		return d.MaxTime
	}
	return t
}

// TimeLiteral renders a time in UTC with an explicit format, clamped to the valid range
func (d *Dialect) TimeLiteral(t time.Time) string {
	return "'" + d.ClampTime(t.UTC()).Format(d.TimeFormat) + "'"
}

// BoolLiteral renders a boolean
func (d *Dialect) BoolLiteral(b bool) string {
	if b {
		return d.TrueLiteral
	}
	return d.FalseLiteral
}
