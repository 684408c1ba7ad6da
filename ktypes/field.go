package ktypes

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the variant held by a Field.
type Kind uint8

const (
	KindUInt Kind = iota
	KindInt
	KindFloat
	KindBoolean
	KindString
	KindText
	KindBinary
	KindDecimal
	KindTimestamp
	KindDate
	KindDuration
	KindJSON
	// KindNull is last so that null sorts after every other kind.
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindUInt:
		return "UInt"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindBoolean:
		return "Boolean"
	case KindString:
		return "String"
	case KindText:
		return "Text"
	case KindBinary:
		return "Binary"
	case KindDecimal:
		return "Decimal"
	case KindTimestamp:
		return "Timestamp"
	case KindDate:
		return "Date"
	case KindDuration:
		return "Duration"
	case KindJSON:
		return "JSON"
	case KindNull:
		return "Null"
	default:
		return "Unknown"
	}
}

// Field is a single scalar value. The zero Field is Null.
type Field struct {
	kind Kind
	set  bool

	u   uint64
	i   int64
	f   float64
	b   bool
	s   string
	raw []byte
	dec decimal.Decimal
	t   time.Time
	d   time.Duration
}

// Null returns the null field.
func Null() Field { return Field{} }

func NewUInt(v uint64) Field             { return Field{kind: KindUInt, set: true, u: v} }
func NewInt(v int64) Field               { return Field{kind: KindInt, set: true, i: v} }
func NewFloat(v float64) Field           { return Field{kind: KindFloat, set: true, f: v} }
func NewBoolean(v bool) Field            { return Field{kind: KindBoolean, set: true, b: v} }
func NewString(v string) Field           { return Field{kind: KindString, set: true, s: v} }
func NewText(v string) Field             { return Field{kind: KindText, set: true, s: v} }
func NewBinary(v []byte) Field           { return Field{kind: KindBinary, set: true, raw: v} }
func NewDecimal(v decimal.Decimal) Field { return Field{kind: KindDecimal, set: true, dec: v} }
func NewTimestamp(v time.Time) Field     { return Field{kind: KindTimestamp, set: true, t: v.UTC()} }
func NewDuration(v time.Duration) Field  { return Field{kind: KindDuration, set: true, d: v} }
func NewJSON(v json.RawMessage) Field    { return Field{kind: KindJSON, set: true, raw: v} }

// NewDate truncates v to midnight UTC.
func NewDate(v time.Time) Field {
	y, m, d := v.UTC().Date()
	return Field{kind: KindDate, set: true, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Kind returns the variant of f.
func (f Field) Kind() Kind {
	if !f.set {
		return KindNull
	}
	return f.kind
}

func (f Field) IsNull() bool { return f.Kind() == KindNull }

func (f Field) AsUInt() (uint64, bool)   { return f.u, f.Kind() == KindUInt }
func (f Field) AsInt() (int64, bool)     { return f.i, f.Kind() == KindInt }
func (f Field) AsFloat() (float64, bool) { return f.f, f.Kind() == KindFloat }
func (f Field) AsBoolean() (bool, bool)  { return f.b, f.Kind() == KindBoolean }
func (f Field) AsString() (string, bool) { return f.s, f.Kind() == KindString }
func (f Field) AsText() (string, bool)   { return f.s, f.Kind() == KindText }
func (f Field) AsBinary() ([]byte, bool) { return f.raw, f.Kind() == KindBinary }
func (f Field) AsDecimal() (decimal.Decimal, bool) {
	return f.dec, f.Kind() == KindDecimal
}
func (f Field) AsTimestamp() (time.Time, bool)    { return f.t, f.Kind() == KindTimestamp }
func (f Field) AsDate() (time.Time, bool)         { return f.t, f.Kind() == KindDate }
func (f Field) AsDuration() (time.Duration, bool) { return f.d, f.Kind() == KindDuration }
func (f Field) AsJSON() (json.RawMessage, bool)   { return f.raw, f.Kind() == KindJSON }

// Compare orders two fields. Fields of different kinds are ordered by kind,
// which places Null after every other value. Two nulls compare equal.
func Compare(a, b Field) int {
	ka, kb := a.Kind(), b.Kind()
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch ka {
	case KindUInt:
		return cmp.Compare(a.u, b.u)
	case KindInt:
		return cmp.Compare(a.i, b.i)
	case KindFloat:
		return cmp.Compare(a.f, b.f)
	case KindBoolean:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		default:
			return 1
		}
	case KindString, KindText:
		return cmp.Compare(a.s, b.s)
	case KindBinary, KindJSON:
		return bytes.Compare(a.raw, b.raw)
	case KindDecimal:
		return a.dec.Cmp(b.dec)
	case KindTimestamp, KindDate:
		return a.t.Compare(b.t)
	case KindDuration:
		return cmp.Compare(a.d, b.d)
	default:
		return 0
	}
}

// Equal reports whether a and b hold the same value.
func (f Field) Equal(other Field) bool {
	return Compare(f, other) == 0
}

func (f Field) String() string {
	switch f.Kind() {
	case KindUInt:
		return strconv.FormatUint(f.u, 10)
	case KindInt:
		return strconv.FormatInt(f.i, 10)
	case KindFloat:
		return strconv.FormatFloat(f.f, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(f.b)
	case KindString, KindText:
		return f.s
	case KindBinary:
		return fmt.Sprintf("%x", f.raw)
	case KindJSON:
		return string(f.raw)
	case KindDecimal:
		return f.dec.String()
	case KindTimestamp:
		return f.t.Format(time.RFC3339Nano)
	case KindDate:
		return f.t.Format(time.DateOnly)
	case KindDuration:
		return f.d.String()
	default:
		return "NULL"
	}
}

// GoString makes test failure output readable.
func (f Field) GoString() string {
	return f.Kind().String() + "(" + f.String() + ")"
}
