// Package krecordstore interns record payloads so that operators can hold,
// compare and checkpoint records without copying field values.
package krecordstore

import (
	"slices"

	"github.com/birdayz/kflow/ktypes"
)

// RecordRef is an interned, immutable field vector. Two refs created by the
// same Store for equal values are the same pointer.
type RecordRef struct {
	values []ktypes.Field
	index  uint64
}

// Len returns the number of fields behind the ref.
func (r *RecordRef) Len() int {
	return len(r.values)
}

// ProcessorRecord is the interned form of a record: a list of refs whose
// concatenated values form the record, plus its lifetime.
type ProcessorRecord struct {
	Refs     []*RecordRef
	Lifetime *ktypes.Lifetime
}

// Extend appends the refs of other. The lifetime is left unchanged.
func (r *ProcessorRecord) Extend(other ProcessorRecord) {
	r.Refs = append(r.Refs, other.Refs...)
}

// Clone returns a copy that can be extended independently.
func (r ProcessorRecord) Clone() ProcessorRecord {
	out := ProcessorRecord{Refs: slices.Clone(r.Refs)}
	if r.Lifetime != nil {
		lt := *r.Lifetime
		out.Lifetime = &lt
	}
	return out
}

// Len returns the total number of fields.
func (r ProcessorRecord) Len() int {
	n := 0
	for _, ref := range r.Refs {
		n += ref.Len()
	}
	return n
}

// Values concatenates the fields of all refs. The returned slice is a copy.
func (r ProcessorRecord) Values() []ktypes.Field {
	out := make([]ktypes.Field, 0, r.Len())
	for _, ref := range r.Refs {
		out = append(out, ref.values...)
	}
	return out
}

// Field returns the field at position i without copying the record.
func (r ProcessorRecord) Field(i int) ktypes.Field {
	for _, ref := range r.Refs {
		if i < len(ref.values) {
			return ref.values[i]
		}
		i -= len(ref.values)
	}
	return ktypes.Null()
}

// Key returns the fields at the given positions.
func (r ProcessorRecord) Key(indexes []int) []ktypes.Field {
	key := make([]ktypes.Field, len(indexes))
	for i, idx := range indexes {
		key[i] = r.Field(idx)
	}
	return key
}

// Operation is an interned ktypes.Operation.
type Operation struct {
	Kind ktypes.OpKind
	Old  ProcessorRecord
	New  ProcessorRecord
}

func Insert(r ProcessorRecord) Operation { return Operation{Kind: ktypes.OpInsert, New: r} }

func Delete(r ProcessorRecord) Operation { return Operation{Kind: ktypes.OpDelete, Old: r} }

func Update(old, r ProcessorRecord) Operation {
	return Operation{Kind: ktypes.OpUpdate, Old: old, New: r}
}
