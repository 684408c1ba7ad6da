package kserde

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/birdayz/kflow/ktypes"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("kserde: malformed input")

// Every field is written as a protowire tag whose number is the kind plus
// one, followed by a kind-specific payload.
func fieldNumber(k ktypes.Kind) protowire.Number {
	return protowire.Number(k) + 1
}

// AppendField appends the encoding of f to b.
func AppendField(b []byte, f ktypes.Field) []byte {
	k := f.Kind()
	switch k {
	case ktypes.KindUInt:
		v, _ := f.AsUInt()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.VarintType)
		return protowire.AppendVarint(b, v)
	case ktypes.KindInt:
		v, _ := f.AsInt()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	case ktypes.KindFloat:
		v, _ := f.AsFloat()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(v))
	case ktypes.KindBoolean:
		v, _ := f.AsBoolean()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v))
	case ktypes.KindString:
		v, _ := f.AsString()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.BytesType)
		return protowire.AppendString(b, v)
	case ktypes.KindText:
		v, _ := f.AsText()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.BytesType)
		return protowire.AppendString(b, v)
	case ktypes.KindBinary:
		v, _ := f.AsBinary()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.BytesType)
		return protowire.AppendBytes(b, v)
	case ktypes.KindJSON:
		v, _ := f.AsJSON()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.BytesType)
		return protowire.AppendBytes(b, v)
	case ktypes.KindDecimal:
		v, _ := f.AsDecimal()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.BytesType)
		return protowire.AppendString(b, v.String())
	case ktypes.KindTimestamp:
		v, _ := f.AsTimestamp()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.UnixNano()))
	case ktypes.KindDate:
		v, _ := f.AsDate()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.Unix()))
	case ktypes.KindDuration:
		v, _ := f.AsDuration()
		b = protowire.AppendTag(b, fieldNumber(k), protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
	default:
		b = protowire.AppendTag(b, fieldNumber(ktypes.KindNull), protowire.VarintType)
		return protowire.AppendVarint(b, 0)
	}
}

// ConsumeField decodes one field from b and returns the number of bytes
// read.
func ConsumeField(b []byte) (ktypes.Field, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return ktypes.Field{}, 0, fmt.Errorf("%w: tag: %w", ErrMalformed, protowire.ParseError(n))
	}
	if num < 1 || num > fieldNumber(ktypes.KindNull) {
		return ktypes.Field{}, 0, fmt.Errorf("%w: unknown field kind %d", ErrMalformed, num-1)
	}
	kind := ktypes.Kind(num - 1)
	rest := b[n:]

	var (
		f ktypes.Field
		m int
	)
	switch typ {
	case protowire.VarintType:
		var v uint64
		v, m = protowire.ConsumeVarint(rest)
		if m < 0 {
			break
		}
		switch kind {
		case ktypes.KindUInt:
			f = ktypes.NewUInt(v)
		case ktypes.KindInt:
			f = ktypes.NewInt(protowire.DecodeZigZag(v))
		case ktypes.KindBoolean:
			f = ktypes.NewBoolean(protowire.DecodeBool(v))
		case ktypes.KindTimestamp:
			f = ktypes.NewTimestamp(time.Unix(0, protowire.DecodeZigZag(v)))
		case ktypes.KindDate:
			f = ktypes.NewDate(time.Unix(protowire.DecodeZigZag(v), 0))
		case ktypes.KindDuration:
			f = ktypes.NewDuration(time.Duration(protowire.DecodeZigZag(v)))
		case ktypes.KindNull:
			f = ktypes.Null()
		default:
			return ktypes.Field{}, 0, fmt.Errorf("%w: kind %s cannot use varint", ErrMalformed, kind)
		}
	case protowire.Fixed64Type:
		var v uint64
		v, m = protowire.ConsumeFixed64(rest)
		if m < 0 {
			break
		}
		if kind != ktypes.KindFloat {
			return ktypes.Field{}, 0, fmt.Errorf("%w: kind %s cannot use fixed64", ErrMalformed, kind)
		}
		f = ktypes.NewFloat(math.Float64frombits(v))
	case protowire.BytesType:
		var v []byte
		v, m = protowire.ConsumeBytes(rest)
		if m < 0 {
			break
		}
		switch kind {
		case ktypes.KindString:
			f = ktypes.NewString(string(v))
		case ktypes.KindText:
			f = ktypes.NewText(string(v))
		case ktypes.KindBinary:
			f = ktypes.NewBinary(slices.Clone(v))
		case ktypes.KindJSON:
			f = ktypes.NewJSON(slices.Clone(v))
		case ktypes.KindDecimal:
			d, err := decimal.NewFromString(string(v))
			if err != nil {
				return ktypes.Field{}, 0, fmt.Errorf("%w: decimal: %w", ErrMalformed, err)
			}
			f = ktypes.NewDecimal(d)
		default:
			return ktypes.Field{}, 0, fmt.Errorf("%w: kind %s cannot use bytes", ErrMalformed, kind)
		}
	default:
		return ktypes.Field{}, 0, fmt.Errorf("%w: unexpected wire type %d", ErrMalformed, typ)
	}
	if m < 0 {
		return ktypes.Field{}, 0, fmt.Errorf("%w: %s payload: %w", ErrMalformed, kind, protowire.ParseError(m))
	}
	return f, n + m, nil
}

// AppendFields appends a length-prefixed field vector.
func AppendFields(b []byte, fields []ktypes.Field) []byte {
	b = protowire.AppendVarint(b, uint64(len(fields)))
	for _, f := range fields {
		b = AppendField(b, f)
	}
	return b
}

// ConsumeFields decodes a vector written by AppendFields.
func ConsumeFields(b []byte) ([]ktypes.Field, int, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: field count: %w", ErrMalformed, protowire.ParseError(n))
	}
	if count > uint64(len(b)) {
		return nil, 0, fmt.Errorf("%w: field count %d exceeds input", ErrMalformed, count)
	}
	fields := make([]ktypes.Field, 0, count)
	for range count {
		f, m, err := ConsumeField(b[n:])
		if err != nil {
			return nil, 0, err
		}
		fields = append(fields, f)
		n += m
	}
	return fields, n, nil
}

// AppendLifetime appends an optional lifetime.
func AppendLifetime(b []byte, lt *ktypes.Lifetime) []byte {
	if lt == nil {
		return protowire.AppendVarint(b, 0)
	}
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(lt.Reference.UnixNano()))
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(lt.Duration)))
}

// ConsumeLifetime decodes a lifetime written by AppendLifetime.
func ConsumeLifetime(b []byte) (*ktypes.Lifetime, int, error) {
	present, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: lifetime: %w", ErrMalformed, protowire.ParseError(n))
	}
	if present == 0 {
		return nil, n, nil
	}
	ref, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return nil, 0, fmt.Errorf("%w: lifetime reference: %w", ErrMalformed, protowire.ParseError(m))
	}
	n += m
	dur, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return nil, 0, fmt.Errorf("%w: lifetime duration: %w", ErrMalformed, protowire.ParseError(m))
	}
	n += m
	return &ktypes.Lifetime{
		Reference: time.Unix(0, protowire.DecodeZigZag(ref)).UTC(),
		Duration:  time.Duration(protowire.DecodeZigZag(dur)),
	}, n, nil
}

// AppendRecord appends the values and lifetime of r.
func AppendRecord(b []byte, r ktypes.Record) []byte {
	b = AppendFields(b, r.Values)
	return AppendLifetime(b, r.Lifetime)
}

// ConsumeRecord decodes a record written by AppendRecord.
func ConsumeRecord(b []byte) (ktypes.Record, int, error) {
	values, n, err := ConsumeFields(b)
	if err != nil {
		return ktypes.Record{}, 0, err
	}
	lt, m, err := ConsumeLifetime(b[n:])
	if err != nil {
		return ktypes.Record{}, 0, err
	}
	return ktypes.Record{Values: values, Lifetime: lt}, n + m, nil
}

// AppendKey appends the canonical encoding of a key. Equal keys of the same
// kinds produce equal bytes.
func AppendKey(b []byte, key []ktypes.Field) []byte {
	return AppendFields(b, key)
}

// Record adapts the record codec to a Serde.
var Record = Serde[ktypes.Record]{
	Serializer: func(r ktypes.Record) ([]byte, error) {
		return AppendRecord(nil, r), nil
	},
	Deserializer: func(b []byte) (ktypes.Record, error) {
		r, n, err := ConsumeRecord(b)
		if err != nil {
			return ktypes.Record{}, err
		}
		if n != len(b) {
			return ktypes.Record{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-n)
		}
		return r, nil
	},
}
