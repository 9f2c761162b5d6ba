package query

import (
	"math"
	"testing"
	"time"

	"github.com/ammar0144/orm4go/pkg/dialect"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type species int

const cat species = 1

func (s species) String() string {
	if s == cat {
		return "Cat"
	}
	return "Dog"
}

type ref struct{ id any }

func (r *ref) ID() any { return r.id }

type label string

func TestLiteral(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	n := 7
	var nilRef *ref

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, "NULL"},
		{"string", "it's", "'it''s'"},
		{"named string", label("x"), "'x'"},
		{"int", 42, "42"},
		{"negative int64", int64(-3), "-3"},
		{"uint", uint16(9), "9"},
		{"float", 1.5, "1.5"},
		{"float without exponent", 1e21, "1000000000000000000000"},
		{"decimal", decimal.RequireFromString("12.340"), "12.34"},
		{"bool", true, "1"},
		{"guid", id, "'6ba7b810-9dad-11d1-80b4-00c04fd430c8'"},
		{"bytes", []byte{0x0a, 0xff}, "X'0AFF'"},
		{"time", time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), "'2020-01-02 03:04:05'"},
		{"enum", cat, "'Cat'"},
		{"pointer", &n, "7"},
		{"nil pointer", (*int)(nil), "NULL"},
		{"reference", &ref{id: id}, "'6ba7b810-9dad-11d1-80b4-00c04fd430c8'"},
		{"unsaved reference", &ref{}, "NULL"},
		{"nil reference", nilRef, "NULL"},
		{"collection", memberList{1, "a"}, "1, 'a'"},
		{"empty collection", memberList{}, "NULL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Literal(dialect.SQLite, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLiteral_Unsupported(t *testing.T) {
	for _, v := range []any{struct{}{}, map[string]int{}, []int{1}, math.NaN(), math.Inf(1)} {
		_, err := Literal(dialect.SQLite, v)
		assert.ErrorIs(t, err, ErrUnsupportedValue, "value %#v", v)
		assert.True(t, IsUsage(err))
	}
}

func TestLiteral_DialectSpecific(t *testing.T) {
	lit, err := Literal(dialect.Postgres, false)
	require.NoError(t, err)
	assert.Equal(t, "FALSE", lit)

	lit, err = Literal(dialect.SQLServer, time.Date(1200, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "'1753-01-01T00:00:00'", lit)

	lit, err = Literal(dialect.MySQL, "a\nb")
	require.NoError(t, err)
	assert.Equal(t, `'a\nb'`, lit)
}
