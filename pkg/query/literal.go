package query

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ammar0144/orm4go/pkg/dialect"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Identifiable is a value serialized as its id (entities and lazy references)
type Identifiable interface {
	ID() any
}

// IDLister is a value serialized as its members' ids (related collections)
type IDLister interface {
	MemberIDs() []any
}

// Literal renders v as SQL literal text for the given dialect.
// Pointers are dereferenced; integer types implementing fmt.Stringer are enums and
// render as their name. Any other type fails with ErrUnsupportedValue.
func Literal(d *dialect.Dialect, v any) (string, error) {
	if v == nil {
		return "NULL", nil
	}

	switch t := v.(type) {
	case Identifiable:
		if isNilPointer(v) {
			return "NULL", nil
		}
		return Literal(d, t.ID())
	case IDLister:
		if isNilPointer(v) {
			return "NULL", nil
		}
		return listLiteral(d, t.MemberIDs())
	case string:
		return d.StringLiteral(t), nil
	case bool:
		return d.BoolLiteral(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int8:
		return strconv.FormatInt(int64(t), 10), nil
	case int16:
		return strconv.FormatInt(int64(t), 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return floatLiteral(float64(t), 32)
	case float64:
		return floatLiteral(t, 64)
	case decimal.Decimal:
		return t.String(), nil
	case uuid.UUID:
		return d.StringLiteral(t.String()), nil
	case []byte:
		return d.BinaryLiteral(t), nil
	case time.Time:
		return d.TimeLiteral(t), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "NULL", nil
		}
		return Literal(d, rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if s, ok := v.(fmt.Stringer); ok {
			return d.StringLiteral(s.String()), nil
		}
		if rv.CanInt() {
			return strconv.FormatInt(rv.Int(), 10), nil
		}
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.String:
		return d.StringLiteral(rv.String()), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// List renders a non-empty slice or array as a comma-separated literal list
func List(d *dialect.Dialect, v any) (string, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return "", fmt.Errorf("%w: %T is not a list", ErrInvalidIn, v)
	}
	if rv.Len() == 0 {
		return "", ErrInvalidIn
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return listLiteral(d, items)
}

func listLiteral(d *dialect.Dialect, items []any) (string, error) {
	if len(items) == 0 {
		return "NULL", nil
	}
	parts := make([]string, len(items))
	for i, item := range items {
		lit, err := Literal(d, item)
		if err != nil {
			return "", err
		}
		parts[i] = lit
	}
	return strings.Join(parts, ", "), nil
}

func floatLiteral(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v has no SQL literal", ErrUnsupportedValue, f)
	}
	return strconv.FormatFloat(f, 'f', -1, bits), nil
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
