package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/ktypes"
	"github.com/shopspring/decimal"
)

// Change is the JSON value of a Kafka record: an operation kind and the
// old and new rows as arrays in schema order.
type Change struct {
	Op  string            `json:"op"`
	Old []json.RawMessage `json:"old,omitempty"`
	New []json.RawMessage `json:"new,omitempty"`
}

var changeSerde = kserde.JSON[Change]()

// DecodeChange parses a record value into an operation on schema.
func DecodeChange(schema ktypes.Schema, value []byte) (ktypes.Operation, error) {
	c, err := changeSerde.Deserializer(value)
	if err != nil {
		return ktypes.Operation{}, err
	}
	switch c.Op {
	case "insert":
		r, err := decodeRow(schema, c.New)
		return ktypes.Insert(r), err
	case "delete":
		r, err := decodeRow(schema, c.Old)
		return ktypes.Delete(r), err
	case "update":
		old, err := decodeRow(schema, c.Old)
		if err != nil {
			return ktypes.Operation{}, err
		}
		r, err := decodeRow(schema, c.New)
		return ktypes.Update(old, r), err
	}
	return ktypes.Operation{}, fmt.Errorf("%w: unknown op %q", kserde.ErrMalformed, c.Op)
}

func decodeRow(schema ktypes.Schema, values []json.RawMessage) (ktypes.Record, error) {
	if len(values) != len(schema.Fields) {
		return ktypes.Record{}, fmt.Errorf("%w: row has %d values, schema has %d fields", kserde.ErrMalformed, len(values), len(schema.Fields))
	}
	fields := make([]ktypes.Field, len(values))
	for i, raw := range values {
		f, err := decodeField(schema.Fields[i].Typ, raw)
		if err != nil {
			return ktypes.Record{}, fmt.Errorf("%w: field %q: %w", kserde.ErrMalformed, schema.Fields[i].Name, err)
		}
		fields[i] = f
	}
	return ktypes.NewRecord(fields...), nil
}

func decodeField(kind ktypes.Kind, raw json.RawMessage) (ktypes.Field, error) {
	if string(raw) == "null" {
		return ktypes.Null(), nil
	}
	if kind == ktypes.KindJSON {
		return ktypes.NewJSON(append(json.RawMessage(nil), raw...)), nil
	}

	var v any
	switch kind {
	case ktypes.KindBoolean:
		v = new(bool)
	case ktypes.KindUInt, ktypes.KindInt, ktypes.KindFloat:
		v = new(json.Number)
	default:
		v = new(string)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ktypes.Null(), err
	}

	switch kind {
	case ktypes.KindBoolean:
		return ktypes.NewBoolean(*v.(*bool)), nil
	case ktypes.KindUInt:
		n, err := strconv.ParseUint(v.(*json.Number).String(), 10, 64)
		return ktypes.NewUInt(n), err
	case ktypes.KindInt:
		n, err := v.(*json.Number).Int64()
		return ktypes.NewInt(n), err
	case ktypes.KindFloat:
		n, err := v.(*json.Number).Float64()
		return ktypes.NewFloat(n), err
	}

	s := *v.(*string)
	switch kind {
	case ktypes.KindString:
		return ktypes.NewString(s), nil
	case ktypes.KindText:
		return ktypes.NewText(s), nil
	case ktypes.KindBinary:
		b, err := base64.StdEncoding.DecodeString(s)
		return ktypes.NewBinary(b), err
	case ktypes.KindDecimal:
		d, err := decimal.NewFromString(s)
		return ktypes.NewDecimal(d), err
	case ktypes.KindTimestamp:
		t, err := time.Parse(time.RFC3339Nano, s)
		return ktypes.NewTimestamp(t), err
	case ktypes.KindDate:
		t, err := time.Parse(time.DateOnly, s)
		return ktypes.NewDate(t), err
	case ktypes.KindDuration:
		d, err := time.ParseDuration(s)
		return ktypes.NewDuration(d), err
	}
	return ktypes.Null(), fmt.Errorf("unsupported kind %s", kind)
}

// EncodeChange is the inverse of DecodeChange.
func EncodeChange(op ktypes.Operation) ([]byte, error) {
	c := Change{}
	var err error
	switch op.Kind {
	case ktypes.OpInsert:
		c.Op = "insert"
		c.New, err = encodeRow(op.New)
	case ktypes.OpDelete:
		c.Op = "delete"
		c.Old, err = encodeRow(op.Old)
	case ktypes.OpUpdate:
		c.Op = "update"
		if c.Old, err = encodeRow(op.Old); err == nil {
			c.New, err = encodeRow(op.New)
		}
	}
	if err != nil {
		return nil, err
	}
	return changeSerde.Serializer(c)
}

func encodeRow(r ktypes.Record) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(r.Values))
	for i, f := range r.Values {
		b, err := encodeField(f)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func encodeField(f ktypes.Field) (json.RawMessage, error) {
	var v any
	switch f.Kind() {
	case ktypes.KindNull:
		return json.RawMessage("null"), nil
	case ktypes.KindJSON:
		raw, _ := f.AsJSON()
		return raw, nil
	case ktypes.KindUInt:
		v, _ = f.AsUInt()
	case ktypes.KindInt:
		v, _ = f.AsInt()
	case ktypes.KindFloat:
		v, _ = f.AsFloat()
	case ktypes.KindBoolean:
		v, _ = f.AsBoolean()
	case ktypes.KindString:
		v, _ = f.AsString()
	case ktypes.KindText:
		v, _ = f.AsText()
	case ktypes.KindBinary:
		b, _ := f.AsBinary()
		v = base64.StdEncoding.EncodeToString(b)
	case ktypes.KindDecimal:
		d, _ := f.AsDecimal()
		v = d.String()
	case ktypes.KindTimestamp:
		t, _ := f.AsTimestamp()
		v = t.Format(time.RFC3339Nano)
	case ktypes.KindDate:
		t, _ := f.AsDate()
		v = t.Format(time.DateOnly)
	case ktypes.KindDuration:
		d, _ := f.AsDuration()
		v = d.String()
	}
	return json.Marshal(v)
}
