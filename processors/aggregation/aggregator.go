// Package aggregation implements group-by aggregation with incremental
// output: every change of an input record turns into the change of its
// group's aggregated row.
package aggregation

import (
	"errors"
	"fmt"

	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/ktypes"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrUnsupportedType = errors.New("aggregation: unsupported type")
	// ErrUnderflow is returned when more values are removed from a state
	// than were added to it.
	ErrUnderflow = errors.New("aggregation: state underflow")
)

// Aggregator folds field values into an encoded state. A nil state is the
// state before the first value.
type Aggregator interface {
	ReturnType(in ktypes.Kind) (ktypes.Kind, error)
	Insert(state []byte, f ktypes.Field) ([]byte, error)
	Delete(state []byte, f ktypes.Field) ([]byte, error)
	Update(state []byte, old, f ktypes.Field) ([]byte, error)
	Value(state []byte) (ktypes.Field, error)
}

// Sum adds up Int, UInt, Float or Decimal values. NULLs are skipped; the
// sum of no values is NULL.
func Sum() Aggregator {
	return sum{}
}

type sum struct{}

func (sum) ReturnType(in ktypes.Kind) (ktypes.Kind, error) {
	switch in {
	case ktypes.KindInt, ktypes.KindUInt, ktypes.KindFloat, ktypes.KindDecimal:
		return in, nil
	}
	return in, fmt.Errorf("%w: sum of %s", ErrUnsupportedType, in)
}

// sumState is the running total and the number of non-NULL values in it.
type sumState struct {
	total ktypes.Field
	count uint64
}

func decodeSum(state []byte) (sumState, error) {
	if len(state) == 0 {
		return sumState{}, nil
	}
	total, n, err := kserde.ConsumeField(state)
	if err != nil {
		return sumState{}, err
	}
	count, m := protowire.ConsumeVarint(state[n:])
	if m < 0 {
		return sumState{}, fmt.Errorf("%w: sum count: %w", kserde.ErrMalformed, protowire.ParseError(m))
	}
	return sumState{total: total, count: count}, nil
}

func (s sumState) encode() []byte {
	return protowire.AppendVarint(kserde.AppendField(nil, s.total), s.count)
}

func (sum) apply(state []byte, f ktypes.Field, add bool) ([]byte, error) {
	s, err := decodeSum(state)
	if err != nil {
		return nil, err
	}
	if f.IsNull() {
		return s.encode(), nil
	}
	if !add && s.count == 0 {
		return nil, fmt.Errorf("%w: sum has no values", ErrUnderflow)
	}
	if s.total.IsNull() {
		s.total = zero(f.Kind())
	}
	if s.total, err = addField(s.total, f, add); err != nil {
		return nil, err
	}
	if add {
		s.count++
	} else {
		s.count--
	}
	return s.encode(), nil
}

func zero(k ktypes.Kind) ktypes.Field {
	switch k {
	case ktypes.KindInt:
		return ktypes.NewInt(0)
	case ktypes.KindUInt:
		return ktypes.NewUInt(0)
	case ktypes.KindFloat:
		return ktypes.NewFloat(0)
	case ktypes.KindDecimal:
		return ktypes.NewDecimal(decimal.Zero)
	}
	return ktypes.Null()
}

func addField(total, f ktypes.Field, add bool) (ktypes.Field, error) {
	if total.Kind() != f.Kind() {
		return total, fmt.Errorf("%w: cannot add %s to %s sum", ErrUnsupportedType, f.Kind(), total.Kind())
	}
	switch f.Kind() {
	case ktypes.KindInt:
		a, _ := total.AsInt()
		b, _ := f.AsInt()
		if !add {
			b = -b
		}
		return ktypes.NewInt(a + b), nil
	case ktypes.KindUInt:
		a, _ := total.AsUInt()
		b, _ := f.AsUInt()
		if add {
			return ktypes.NewUInt(a + b), nil
		}
		if b > a {
			return total, fmt.Errorf("%w: uint sum below zero", ErrUnderflow)
		}
		return ktypes.NewUInt(a - b), nil
	case ktypes.KindFloat:
		a, _ := total.AsFloat()
		b, _ := f.AsFloat()
		if !add {
			b = -b
		}
		return ktypes.NewFloat(a + b), nil
	case ktypes.KindDecimal:
		a, _ := total.AsDecimal()
		b, _ := f.AsDecimal()
		if add {
			return ktypes.NewDecimal(a.Add(b)), nil
		}
		return ktypes.NewDecimal(a.Sub(b)), nil
	}
	return total, fmt.Errorf("%w: sum of %s", ErrUnsupportedType, f.Kind())
}

func (s sum) Insert(state []byte, f ktypes.Field) ([]byte, error) {
	return s.apply(state, f, true)
}

func (s sum) Delete(state []byte, f ktypes.Field) ([]byte, error) {
	return s.apply(state, f, false)
}

func (s sum) Update(state []byte, old, f ktypes.Field) ([]byte, error) {
	state, err := s.apply(state, old, false)
	if err != nil {
		return nil, err
	}
	return s.apply(state, f, true)
}

func (sum) Value(state []byte) (ktypes.Field, error) {
	s, err := decodeSum(state)
	if err != nil {
		return ktypes.Null(), err
	}
	if s.count == 0 {
		return ktypes.Null(), nil
	}
	return s.total, nil
}

// Count counts records, NULL or not.
func Count() Aggregator {
	return count{}
}

type count struct{}

func (count) ReturnType(ktypes.Kind) (ktypes.Kind, error) {
	return ktypes.KindInt, nil
}

func decodeCount(state []byte) (uint64, error) {
	if len(state) == 0 {
		return 0, nil
	}
	n, m := protowire.ConsumeVarint(state)
	if m < 0 {
		return 0, fmt.Errorf("%w: count: %w", kserde.ErrMalformed, protowire.ParseError(m))
	}
	return n, nil
}

func (count) Insert(state []byte, _ ktypes.Field) ([]byte, error) {
	n, err := decodeCount(state)
	if err != nil {
		return nil, err
	}
	return protowire.AppendVarint(nil, n+1), nil
}

func (count) Delete(state []byte, _ ktypes.Field) ([]byte, error) {
	n, err := decodeCount(state)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: count is zero", ErrUnderflow)
	}
	return protowire.AppendVarint(nil, n-1), nil
}

func (count) Update(state []byte, _, _ ktypes.Field) ([]byte, error) {
	n, err := decodeCount(state)
	if err != nil {
		return nil, err
	}
	return protowire.AppendVarint(nil, n), nil
}

func (count) Value(state []byte) (ktypes.Field, error) {
	n, err := decodeCount(state)
	if err != nil {
		return ktypes.Null(), err
	}
	return ktypes.NewInt(int64(n)), nil
}
