package ktypes

import (
	"slices"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/shopspring/decimal"
)

func TestNullSortsLast(t *testing.T) {
	values := []Field{
		NewUInt(1),
		NewInt(-5),
		NewFloat(2.5),
		NewBoolean(true),
		NewString("a"),
		NewText("b"),
		NewBinary([]byte{1}),
		NewDecimal(decimal.NewFromInt(3)),
		NewTimestamp(time.Unix(10, 0)),
		NewDate(time.Unix(10, 0)),
		NewDuration(time.Second),
		NewJSON([]byte(`{}`)),
	}

	for _, v := range values {
		t.Run(v.Kind().String(), func(t *testing.T) {
			assert.Equal(t, 1, Compare(Null(), v))
			assert.Equal(t, -1, Compare(v, Null()))
		})
	}

	t.Run("null equals null", func(t *testing.T) {
		assert.Equal(t, 0, Compare(Null(), Null()))
		assert.True(t, Null().Equal(Field{}))
	})

	t.Run("sorting places nulls at the end", func(t *testing.T) {
		fields := []Field{Null(), NewInt(3), Null(), NewInt(1)}
		slices.SortFunc(fields, Compare)
		assert.Equal(t, []Field{NewInt(1), NewInt(3), Null(), Null()}, fields)
	})
}

func TestCompareWithinKind(t *testing.T) {
	t.Run("ints", func(t *testing.T) {
		assert.Equal(t, -1, Compare(NewInt(1), NewInt(2)))
		assert.Equal(t, 0, Compare(NewInt(2), NewInt(2)))
	})

	t.Run("booleans", func(t *testing.T) {
		assert.Equal(t, -1, Compare(NewBoolean(false), NewBoolean(true)))
	})

	t.Run("decimals compare by value", func(t *testing.T) {
		a := NewDecimal(decimal.RequireFromString("1.50"))
		b := NewDecimal(decimal.RequireFromString("1.5"))
		assert.True(t, a.Equal(b))
	})

	t.Run("string and text are different kinds", func(t *testing.T) {
		assert.False(t, NewString("x").Equal(NewText("x")))
	})
}

func TestDateTruncates(t *testing.T) {
	f := NewDate(time.Date(2024, 3, 5, 13, 14, 15, 0, time.UTC))
	d, ok := f.AsDate()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), d)
	assert.Equal(t, "2024-03-05", f.String())
}

func TestAccessorsReportKind(t *testing.T) {
	_, ok := NewInt(1).AsUInt()
	assert.False(t, ok)
	v, ok := NewUInt(7).AsUInt()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), v)
	assert.True(t, Null().IsNull())
}
