package aggregation

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kstate/pebble"
	"github.com/birdayz/kflow/ktypes"
	"github.com/shopspring/decimal"
)

// salesSchema is (id, region, amount) with id as primary key.
func salesSchema() ktypes.Schema {
	var s ktypes.Schema
	s.Field(ktypes.FieldDefinition{Name: "id", Typ: ktypes.KindUInt}, true).
		Field(ktypes.FieldDefinition{Name: "region", Typ: ktypes.KindString}, false).
		Field(ktypes.FieldDefinition{Name: "amount", Typ: ktypes.KindInt, Nullable: true}, false)
	return s
}

func sale(id uint64, region string, amount int64) ktypes.Record {
	return ktypes.NewRecord(ktypes.NewUInt(id), ktypes.NewString(region), ktypes.NewInt(amount))
}

func out(region string, total, count int64) ktypes.Record {
	return ktypes.NewRecord(ktypes.NewString(region), ktypes.NewInt(total), ktypes.NewInt(count))
}

type collector struct {
	ops []krecordstore.Operation
}

func (c *collector) Send(op krecordstore.Operation, _ kprocessor.PortHandle) {
	c.ops = append(c.ops, op)
}

type harness struct {
	t     *testing.T
	store *krecordstore.Store
	p     kprocessor.Processor
}

var byRegion = []FieldRule{
	Dimension{Field: "region", IsValue: true},
	Measure{Field: "amount", Aggregator: Sum(), IsValue: true, Rename: "total"},
	Measure{Field: "id", Aggregator: Count(), IsValue: true, Rename: "orders"},
}

func newHarness(t *testing.T, checkpoint []byte, rules ...FieldRule) *harness {
	t.Helper()
	store := krecordstore.NewStore()
	p, err := NewAggregationProcessorFactory(rules...).Build(kprocessor.ProcessorBuildContext{
		InputSchemas: map[kprocessor.PortHandle]ktypes.Schema{kprocessor.DefaultPortHandle: salesSchema()},
		Store:        store,
		Checkpoint:   checkpoint,
		OpenStore:    pebble.NewInMemoryStoreBackend(),
	})
	assert.NoError(t, err)
	return &harness{t: t, store: store, p: p}
}

func (h *harness) do(op ktypes.Operation) []ktypes.Operation {
	h.t.Helper()
	fw := &collector{}
	assert.NoError(h.t, h.p.Process(kprocessor.DefaultPortHandle, h.store.CreateOperation(op), fw))
	var res []ktypes.Operation
	for _, op := range fw.ops {
		res = append(res, h.store.LoadOperation(op))
	}
	return res
}

func TestAggregationProcessor(t *testing.T) {
	t.Run("first insert, later inserts and last delete", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)

		assert.Equal(t, []ktypes.Operation{ktypes.Insert(out("eu", 10, 1))}, h.do(ktypes.Insert(sale(1, "eu", 10))))
		assert.Equal(t, []ktypes.Operation{ktypes.Update(out("eu", 10, 1), out("eu", 15, 2))}, h.do(ktypes.Insert(sale(2, "eu", 5))))
		assert.Equal(t, []ktypes.Operation{ktypes.Insert(out("us", 7, 1))}, h.do(ktypes.Insert(sale(3, "us", 7))))
		assert.Equal(t, []ktypes.Operation{ktypes.Update(out("eu", 15, 2), out("eu", 5, 1))}, h.do(ktypes.Delete(sale(1, "eu", 10))))
		assert.Equal(t, []ktypes.Operation{ktypes.Delete(out("eu", 5, 1))}, h.do(ktypes.Delete(sale(2, "eu", 5))))

		// The group starts over after its last delete.
		assert.Equal(t, []ktypes.Operation{ktypes.Insert(out("eu", 1, 1))}, h.do(ktypes.Insert(sale(4, "eu", 1))))
	})

	t.Run("update within a group", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		h.do(ktypes.Insert(sale(1, "eu", 10)))
		h.do(ktypes.Insert(sale(2, "eu", 5)))

		got := h.do(ktypes.Update(sale(1, "eu", 10), sale(1, "eu", 20)))
		assert.Equal(t, []ktypes.Operation{ktypes.Update(out("eu", 15, 2), out("eu", 25, 2))}, got)
	})

	t.Run("update moving to another group", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		h.do(ktypes.Insert(sale(1, "eu", 10)))
		h.do(ktypes.Insert(sale(2, "eu", 5)))

		got := h.do(ktypes.Update(sale(1, "eu", 10), sale(1, "us", 10)))
		assert.Equal(t, []ktypes.Operation{
			ktypes.Update(out("eu", 15, 2), out("eu", 5, 1)),
			ktypes.Insert(out("us", 10, 1)),
		}, got)

		got = h.do(ktypes.Update(sale(2, "eu", 5), sale(2, "us", 5)))
		assert.Equal(t, []ktypes.Operation{
			ktypes.Delete(out("eu", 5, 1)),
			ktypes.Update(out("us", 10, 1), out("us", 15, 2)),
		}, got)
	})

	t.Run("failed move leaves both groups untouched", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		h.do(ktypes.Insert(sale(1, "eu", 10)))
		h.do(ktypes.Insert(sale(2, "us", 5)))

		moved := ktypes.NewRecord(ktypes.NewUInt(1), ktypes.NewString("us"), ktypes.NewFloat(1.5))
		fw := &collector{}
		err := h.p.Process(kprocessor.DefaultPortHandle, h.store.CreateOperation(ktypes.Update(sale(1, "eu", 10), moved)), fw)
		assert.True(t, errors.Is(err, ErrUnsupportedType))
		assert.Equal(t, 0, len(fw.ops))

		assert.Equal(t, []ktypes.Operation{ktypes.Update(out("eu", 10, 1), out("eu", 17, 2))}, h.do(ktypes.Insert(sale(3, "eu", 7))))
		assert.Equal(t, []ktypes.Operation{ktypes.Update(out("us", 5, 1), out("us", 6, 2))}, h.do(ktypes.Insert(sale(4, "us", 1))))
	})

	t.Run("null values are not summed", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		nullAmount := ktypes.NewRecord(ktypes.NewUInt(1), ktypes.NewString("eu"), ktypes.Null())

		got := h.do(ktypes.Insert(nullAmount))
		assert.Equal(t, []ktypes.Operation{
			ktypes.Insert(ktypes.NewRecord(ktypes.NewString("eu"), ktypes.Null(), ktypes.NewInt(1))),
		}, got)

		got = h.do(ktypes.Insert(sale(2, "eu", 3)))
		assert.Equal(t, []ktypes.Operation{
			ktypes.Update(
				ktypes.NewRecord(ktypes.NewString("eu"), ktypes.Null(), ktypes.NewInt(1)),
				out("eu", 3, 2),
			),
		}, got)
	})

	t.Run("no dimensions aggregate everything", func(t *testing.T) {
		h := newHarness(t, nil, Measure{Field: "amount", Aggregator: Sum(), IsValue: true})
		assert.Equal(t, []ktypes.Operation{ktypes.Insert(ktypes.NewRecord(ktypes.NewInt(1)))}, h.do(ktypes.Insert(sale(1, "eu", 1))))
		assert.Equal(t, []ktypes.Operation{
			ktypes.Update(ktypes.NewRecord(ktypes.NewInt(1)), ktypes.NewRecord(ktypes.NewInt(3))),
		}, h.do(ktypes.Insert(sale(2, "us", 2))))
	})

	t.Run("hidden dimension still groups", func(t *testing.T) {
		h := newHarness(t, nil,
			Dimension{Field: "region"},
			Measure{Field: "amount", Aggregator: Sum(), IsValue: true},
		)
		assert.Equal(t, []ktypes.Operation{ktypes.Insert(ktypes.NewRecord(ktypes.NewInt(1)))}, h.do(ktypes.Insert(sale(1, "eu", 1))))
		assert.Equal(t, []ktypes.Operation{ktypes.Insert(ktypes.NewRecord(ktypes.NewInt(2)))}, h.do(ktypes.Insert(sale(2, "us", 2))))
	})

	t.Run("delete from empty group", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		err := h.p.Process(kprocessor.DefaultPortHandle, h.store.CreateOperation(ktypes.Delete(sale(1, "eu", 10))), &collector{})
		assert.True(t, errors.Is(err, ErrUnderflow))
	})

	t.Run("unknown port", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		err := h.p.Process(0, h.store.CreateOperation(ktypes.Insert(sale(1, "eu", 10))), &collector{})
		assert.True(t, errors.Is(err, kprocessor.ErrUnknownPort))
	})
}

func TestAggregationCheckpoint(t *testing.T) {
	t.Run("restore continues from serialized state", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		h.do(ktypes.Insert(sale(1, "eu", 10)))
		h.do(ktypes.Insert(sale(2, "eu", 5)))

		state, err := h.p.Serialize(h.store)
		assert.NoError(t, err)

		// Writes after the checkpoint are not part of it.
		h.do(ktypes.Insert(sale(3, "eu", 100)))

		restored := newHarness(t, state, byRegion...)
		got := restored.do(ktypes.Insert(sale(3, "eu", 1)))
		assert.Equal(t, []ktypes.Operation{ktypes.Update(out("eu", 15, 2), out("eu", 16, 3))}, got)
	})

	t.Run("nil checkpoint starts empty", func(t *testing.T) {
		h := newHarness(t, nil, byRegion...)
		assert.Equal(t, []ktypes.Operation{ktypes.Insert(out("eu", 10, 1))}, h.do(ktypes.Insert(sale(1, "eu", 10))))
	})

	t.Run("truncated state", func(t *testing.T) {
		store := krecordstore.NewStore()
		_, err := NewAggregationProcessorFactory(byRegion...).Build(kprocessor.ProcessorBuildContext{
			InputSchemas: map[kprocessor.PortHandle]ktypes.Schema{kprocessor.DefaultPortHandle: salesSchema()},
			Store:        store,
			Checkpoint:   []byte{0x05, 0x01},
			OpenStore:    pebble.NewInMemoryStoreBackend(),
		})
		assert.Error(t, err)
	})
}

func TestAggregationFactory(t *testing.T) {
	inputs := map[kprocessor.PortHandle]ktypes.Schema{kprocessor.DefaultPortHandle: salesSchema()}

	t.Run("output schema", func(t *testing.T) {
		s, err := NewAggregationProcessorFactory(byRegion...).OutputSchema(kprocessor.DefaultPortHandle, inputs)
		assert.NoError(t, err)
		assert.Equal(t, []int{0}, s.PrimaryIndex)
		assert.Equal(t, 3, len(s.Fields))
		assert.Equal(t, "region", s.Fields[0].Name)
		assert.Equal(t, "total", s.Fields[1].Name)
		assert.Equal(t, ktypes.KindInt, s.Fields[1].Typ)
		assert.Equal(t, "orders", s.Fields[2].Name)
	})

	t.Run("output port type", func(t *testing.T) {
		ports := NewAggregationProcessorFactory(byRegion...).OutputPorts()
		assert.Equal(t, kprocessor.StatefulWithPrimaryKeyLookup, ports[0].Typ)

		ports = NewAggregationProcessorFactory(Measure{Field: "amount", Aggregator: Sum(), IsValue: true}).OutputPorts()
		assert.Equal(t, kprocessor.Stateless, ports[0].Typ)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := NewAggregationProcessorFactory(Dimension{Field: "nope"}, Measure{Field: "amount", Aggregator: Sum()}).OutputSchema(kprocessor.DefaultPortHandle, inputs)
		assert.True(t, errors.Is(err, ErrAggregation))
		assert.True(t, errors.Is(err, ktypes.ErrFieldNotFound))
	})

	t.Run("sum of strings", func(t *testing.T) {
		_, err := NewAggregationProcessorFactory(Measure{Field: "region", Aggregator: Sum()}).OutputSchema(kprocessor.DefaultPortHandle, inputs)
		assert.True(t, errors.Is(err, ErrUnsupportedType))
	})

	t.Run("no measures", func(t *testing.T) {
		_, err := NewAggregationProcessorFactory(Dimension{Field: "region", IsValue: true}).OutputSchema(kprocessor.DefaultPortHandle, inputs)
		assert.True(t, errors.Is(err, ErrAggregation))
	})

	t.Run("no store", func(t *testing.T) {
		_, err := NewAggregationProcessorFactory(byRegion...).Build(kprocessor.ProcessorBuildContext{InputSchemas: inputs})
		assert.True(t, errors.Is(err, ErrAggregation))
	})
}

func TestAggregators(t *testing.T) {
	t.Run("sum of decimals", func(t *testing.T) {
		s := Sum()
		var state []byte
		var err error
		for _, v := range []string{"1.25", "2.5"} {
			state, err = s.Insert(state, ktypes.NewDecimal(decimal.RequireFromString(v)))
			assert.NoError(t, err)
		}
		state, err = s.Delete(state, ktypes.NewDecimal(decimal.RequireFromString("1.25")))
		assert.NoError(t, err)
		v, err := s.Value(state)
		assert.NoError(t, err)
		d, ok := v.AsDecimal()
		assert.True(t, ok)
		assert.True(t, d.Equal(decimal.RequireFromString("2.5")))
	})

	t.Run("sum of uints", func(t *testing.T) {
		s := Sum()
		state, err := s.Insert(nil, ktypes.NewUInt(3))
		assert.NoError(t, err)
		state, err = s.Update(state, ktypes.NewUInt(3), ktypes.NewUInt(1))
		assert.NoError(t, err)
		v, err := s.Value(state)
		assert.NoError(t, err)
		assert.Equal(t, ktypes.NewUInt(1), v)
	})

	t.Run("sum of nothing is null", func(t *testing.T) {
		s := Sum()
		state, err := s.Insert(nil, ktypes.NewFloat(1.5))
		assert.NoError(t, err)
		state, err = s.Delete(state, ktypes.NewFloat(1.5))
		assert.NoError(t, err)
		v, err := s.Value(state)
		assert.NoError(t, err)
		assert.True(t, v.IsNull())
	})

	t.Run("sum mixed kinds", func(t *testing.T) {
		s := Sum()
		state, err := s.Insert(nil, ktypes.NewInt(1))
		assert.NoError(t, err)
		_, err = s.Insert(state, ktypes.NewFloat(1))
		assert.True(t, errors.Is(err, ErrUnsupportedType))
	})

	t.Run("count underflow", func(t *testing.T) {
		c := Count()
		state, err := c.Insert(nil, ktypes.Null())
		assert.NoError(t, err)
		state, err = c.Delete(state, ktypes.Null())
		assert.NoError(t, err)
		v, err := c.Value(state)
		assert.NoError(t, err)
		assert.Equal(t, ktypes.NewInt(0), v)
		_, err = c.Delete(state, ktypes.Null())
		assert.True(t, errors.Is(err, ErrUnderflow))
	})
}
