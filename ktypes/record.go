package ktypes

import (
	"slices"
	"strings"
	"time"
)

// Lifetime bounds how long a record stays relevant to stateful operators.
type Lifetime struct {
	Reference time.Time
	Duration  time.Duration
}

// Expiry is the instant after which the record may be evicted.
func (l Lifetime) Expiry() time.Time {
	return l.Reference.Add(l.Duration)
}

// Later returns whichever of a and b has the later reference time, b on a
// tie. Durations are not compared. Either may be nil.
func Later(a, b *Lifetime) *Lifetime {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Reference.After(b.Reference):
		return a
	default:
		return b
	}
}

// Record is an ordered list of field values.
type Record struct {
	Values   []Field
	Lifetime *Lifetime
}

// NewRecord creates a record without a lifetime.
func NewRecord(values ...Field) Record {
	return Record{Values: values}
}

// NullRecord returns a record holding n nulls.
func NullRecord(n int) Record {
	return Record{Values: make([]Field, n)}
}

// Key returns the values at the given indexes.
func (r Record) Key(indexes []int) []Field {
	key := make([]Field, len(indexes))
	for i, idx := range indexes {
		key[i] = r.Values[idx]
	}
	return key
}

// Clone copies the value slice and the lifetime.
func (r Record) Clone() Record {
	out := Record{Values: slices.Clone(r.Values)}
	if r.Lifetime != nil {
		lt := *r.Lifetime
		out.Lifetime = &lt
	}
	return out
}

// Equal compares values and lifetimes.
func (r Record) Equal(other Record) bool {
	if !slices.EqualFunc(r.Values, other.Values, Field.Equal) {
		return false
	}
	switch {
	case r.Lifetime == nil && other.Lifetime == nil:
		return true
	case r.Lifetime == nil || other.Lifetime == nil:
		return false
	default:
		return r.Lifetime.Reference.Equal(other.Lifetime.Reference) &&
			r.Lifetime.Duration == other.Lifetime.Duration
	}
}

func (r Record) String() string {
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
