package schema

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// timeLayouts are tried in order when a driver hands back a time as text
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Convert normalizes a raw value (driver output or caller input) to the canonical
// in-memory representation of kind. nil converts to nil for every kind.
//
//	string   -> string        int     -> int          int64 -> int64
//	float    -> float64       decimal -> decimal.Decimal
//	bool     -> bool          guid    -> uuid.UUID    bytes -> []byte
//	time     -> time.Time     enum    -> string (the value name)
func Convert(kind Kind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok && kind != KindBytes && kind != KindGUID {
		raw = string(b)
	}

	switch kind {
	case KindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
	case KindInt:
		n, err := toInt64(raw)
		if err != nil {
			return nil, conversionError(kind, raw, err)
		}
		if n > math.MaxInt || n < math.MinInt {
			return nil, conversionError(kind, raw, strconv.ErrRange)
		}
		return int(n), nil
	case KindInt64:
		n, err := toInt64(raw)
		if err != nil {
			return nil, conversionError(kind, raw, err)
		}
		return n, nil
	case KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case decimal.Decimal:
			f, _ := v.Float64()
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return f, nil
		default:
			n, err := toInt64(raw)
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return float64(n), nil
		}
	case KindDecimal:
		switch v := raw.(type) {
		case decimal.Decimal:
			return v, nil
		case *decimal.Decimal:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return d, nil
		default:
			n, err := toInt64(raw)
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return decimal.NewFromInt(n), nil
		}
	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return b, nil
		default:
			n, err := toInt64(raw)
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return n != 0, nil
		}
	case KindGUID:
		switch v := raw.(type) {
		case uuid.UUID:
			return v, nil
		case *uuid.UUID:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		case string:
			id, err := uuid.Parse(v)
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return id, nil
		case []byte:
			if len(v) == 16 {
				return uuid.FromBytes(v)
			}
			id, err := uuid.ParseBytes(v)
			if err != nil {
				return nil, conversionError(kind, raw, err)
			}
			return id, nil
		}
	case KindBytes:
		switch v := raw.(type) {
		case []byte:
			return append([]byte(nil), v...), nil
		case string:
			return []byte(v), nil
		}
	case KindTime:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case *time.Time:
			if v == nil {
				return nil, nil
			}
			return *v, nil
		case string:
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, v); err == nil {
					return t, nil
				}
			}
			return nil, conversionError(kind, raw, fmt.Errorf("unrecognized time format"))
		case int64:
			return time.Unix(v, 0).UTC(), nil
		}
	case KindEnum:
		switch v := raw.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
	}
	return nil, conversionError(kind, raw, nil)
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, strconv.ErrRange
		}
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v has a fractional part", v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", raw)
}

func conversionError(kind Kind, raw any, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %T to %s", ErrConversion, raw, kind)
	}
	return fmt.Errorf("%w: %T to %s: %v", ErrConversion, raw, kind, cause)
}

// Equal compares two canonical values of the same kind
func Equal(kind Kind, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch kind {
	case KindDecimal:
		da, okA := a.(decimal.Decimal)
		db, okB := b.(decimal.Decimal)
		return okA && okB && da.Equal(db)
	case KindBytes:
		ba, okA := a.([]byte)
		bb, okB := b.([]byte)
		return okA && okB && bytes.Equal(ba, bb)
	case KindTime:
		ta, okA := a.(time.Time)
		tb, okB := b.(time.Time)
		return okA && okB && ta.Equal(tb)
	}
	return a == b
}

// Format renders a canonical value as the stable text used in comparison strings and cache keys
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return fmt.Sprintf("%x", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
