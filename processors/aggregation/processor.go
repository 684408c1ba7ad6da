package aggregation

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/ktypes"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrAggregation = errors.New("aggregation")

var (
	statePrefix = []byte{0x00, 0x00}
	countPrefix = []byte{0x00, 0x01}

	// noDimensionsKey is the group key when there are no dimensions.
	noDimensionsKey = []byte{0xFF}
)

// FieldRule is either a Dimension or a Measure.
type FieldRule interface {
	fieldRule()
}

// Dimension groups by Field. Without IsValue the field groups but is not
// part of the output.
type Dimension struct {
	Field   string
	IsValue bool
	Rename  string
}

// Measure aggregates Field with Aggregator.
type Measure struct {
	Field      string
	Aggregator Aggregator
	IsValue    bool
	Rename     string
}

func (Dimension) fieldRule() {}
func (Measure) fieldRule()   {}

func outputName(field, rename string) string {
	if rename != "" {
		return rename
	}
	return field
}

type AggregationProcessorFactory struct {
	rules []FieldRule
}

func NewAggregationProcessorFactory(rules ...FieldRule) *AggregationProcessorFactory {
	return &AggregationProcessorFactory{rules: rules}
}

func (f *AggregationProcessorFactory) InputPorts() []kprocessor.PortHandle {
	return []kprocessor.PortHandle{kprocessor.DefaultPortHandle}
}

// OutputPorts is keyed by the visible dimensions when there are any.
func (f *AggregationProcessorFactory) OutputPorts() []kprocessor.OutputPortDef {
	typ := kprocessor.Stateless
	for _, r := range f.rules {
		if d, ok := r.(Dimension); ok && d.IsValue {
			typ = kprocessor.StatefulWithPrimaryKeyLookup
		}
	}
	return []kprocessor.OutputPortDef{kprocessor.NewOutputPortDef(kprocessor.DefaultPortHandle, typ)}
}

type measure struct {
	index      int
	aggregator Aggregator
	visible    bool
}

type plan struct {
	dimensions []int
	visible    []int
	measures   []measure
	schema     ktypes.Schema
}

func (f *AggregationProcessorFactory) plan(inputSchemas map[kprocessor.PortHandle]ktypes.Schema) (plan, error) {
	var p plan
	in, ok := inputSchemas[kprocessor.DefaultPortHandle]
	if !ok {
		return p, fmt.Errorf("%w: no input schema", ErrAggregation)
	}

	var measureDefs []ktypes.FieldDefinition
	for _, r := range f.rules {
		switch r := r.(type) {
		case Dimension:
			idx, def, err := in.FieldIndex(r.Field)
			if err != nil {
				return p, fmt.Errorf("%w: dimension: %w", ErrAggregation, err)
			}
			p.dimensions = append(p.dimensions, idx)
			if r.IsValue {
				p.visible = append(p.visible, idx)
				def.Name = outputName(r.Field, r.Rename)
				p.schema.Field(def, true)
			}
		case Measure:
			if r.Aggregator == nil {
				return p, fmt.Errorf("%w: measure %q has no aggregator", ErrAggregation, r.Field)
			}
			idx, def, err := in.FieldIndex(r.Field)
			if err != nil {
				return p, fmt.Errorf("%w: measure: %w", ErrAggregation, err)
			}
			typ, err := r.Aggregator.ReturnType(def.Typ)
			if err != nil {
				return p, fmt.Errorf("%w: measure %q: %w", ErrAggregation, r.Field, err)
			}
			p.measures = append(p.measures, measure{index: idx, aggregator: r.Aggregator, visible: r.IsValue})
			if r.IsValue {
				measureDefs = append(measureDefs, ktypes.FieldDefinition{
					Name:     outputName(r.Field, r.Rename),
					Typ:      typ,
					Nullable: true,
					Source:   ktypes.SourceDefinition{Kind: ktypes.SourceDynamic},
				})
			}
		default:
			return p, fmt.Errorf("%w: unsupported rule %T", ErrAggregation, r)
		}
	}
	if len(p.measures) == 0 {
		return p, fmt.Errorf("%w: at least one measure is required", ErrAggregation)
	}
	for _, def := range measureDefs {
		p.schema.Field(def, false)
	}
	return p, nil
}

// OutputSchema lists the visible dimensions as primary key, followed by
// the visible measures.
func (f *AggregationProcessorFactory) OutputSchema(_ kprocessor.PortHandle, inputSchemas map[kprocessor.PortHandle]ktypes.Schema) (ktypes.Schema, error) {
	p, err := f.plan(inputSchemas)
	if err != nil {
		return ktypes.Schema{}, err
	}
	return p.schema, nil
}

// Build opens the "state" store and resets it to the checkpointed state.
func (f *AggregationProcessorFactory) Build(ctx kprocessor.ProcessorBuildContext) (kprocessor.Processor, error) {
	p, err := f.plan(ctx.InputSchemas)
	if err != nil {
		return nil, err
	}
	if ctx.OpenStore == nil {
		return nil, fmt.Errorf("%w: no state store", ErrAggregation)
	}
	backend, err := ctx.OpenStore("state")
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := restore(backend, ctx.Checkpoint); err != nil {
		return nil, fmt.Errorf("restore aggregation state: %w", err)
	}
	if ctx.Checkpoint != nil && ctx.Logger != nil {
		ctx.Logger.Info("Restored aggregation state", "bytes", len(ctx.Checkpoint))
	}
	return &AggregationProcessor{
		plan:    p,
		store:   ctx.Store,
		backend: backend,
		states:  kstate.NewKeyValueStore(backend, statePrefix, kserde.Bytes, kserde.Bytes),
		counts:  kstate.NewKeyValueStore(backend, countPrefix, kserde.Bytes, kserde.Uint64),
	}, nil
}

// restore replaces the contents of backend with the pairs in checkpoint.
func restore(backend kstate.StoreBackend, checkpoint []byte) error {
	b := backend.NewBatch()
	defer b.Close()
	for k := range backend.All() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	for len(checkpoint) > 0 {
		k, n := protowire.ConsumeBytes(checkpoint)
		if n < 0 {
			return fmt.Errorf("%w: key: %w", kserde.ErrMalformed, protowire.ParseError(n))
		}
		checkpoint = checkpoint[n:]
		v, n := protowire.ConsumeBytes(checkpoint)
		if n < 0 {
			return fmt.Errorf("%w: value: %w", kserde.ErrMalformed, protowire.ParseError(n))
		}
		checkpoint = checkpoint[n:]
		if err := b.Set(k, v); err != nil {
			return err
		}
	}
	return b.Commit()
}

// AggregationProcessor keeps one state per group and emits the group's row
// every time it changes.
type AggregationProcessor struct {
	plan    plan
	store   *krecordstore.Store
	backend kstate.StoreBackend
	states  *kstate.KeyValueStore[[]byte, []byte]
	counts  *kstate.KeyValueStore[[]byte, uint64]
}

func (p *AggregationProcessor) groupKey(r krecordstore.ProcessorRecord) []byte {
	if len(p.plan.dimensions) == 0 {
		return noDimensionsKey
	}
	return kserde.AppendKey(nil, r.Key(p.plan.dimensions))
}

// group is the loaded state of one group.
type group struct {
	key    []byte
	count  uint64
	states [][]byte
}

func (p *AggregationProcessor) load(key []byte) (group, error) {
	g := group{key: key, states: make([][]byte, len(p.plan.measures))}
	count, ok, err := p.counts.Get(key)
	if err != nil {
		return g, fmt.Errorf("%w: %w", kstate.ErrStorage, err)
	}
	if !ok {
		return g, nil
	}
	g.count = count
	b, _, err := p.states.Get(key)
	if err != nil {
		return g, fmt.Errorf("%w: %w", kstate.ErrStorage, err)
	}
	for i := range g.states {
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return g, fmt.Errorf("%w: measure state: %w", kserde.ErrMalformed, protowire.ParseError(n))
		}
		g.states[i] = v
		b = b[n:]
	}
	return g, nil
}

func (p *AggregationProcessor) save(g group) error {
	if g.count == 0 {
		return multierr.Append(p.states.Delete(g.key), p.counts.Delete(g.key))
	}
	var b []byte
	for _, s := range g.states {
		b = protowire.AppendBytes(b, s)
	}
	if err := p.states.Set(g.key, b); err != nil {
		return err
	}
	return p.counts.Set(g.key, g.count)
}

// row builds the output record of a group. r is any record of the group.
func (p *AggregationProcessor) row(r krecordstore.ProcessorRecord, g group) (krecordstore.ProcessorRecord, error) {
	values := make([]ktypes.Field, 0, len(p.plan.schema.Fields))
	for _, idx := range p.plan.visible {
		values = append(values, r.Field(idx))
	}
	for i, m := range p.plan.measures {
		if !m.visible {
			continue
		}
		v, err := m.aggregator.Value(g.states[i])
		if err != nil {
			return krecordstore.ProcessorRecord{}, err
		}
		values = append(values, v)
	}
	return p.store.CreateRecord(ktypes.NewRecord(values...)), nil
}

type step func(a Aggregator, state []byte, m measure) ([]byte, error)

func (p *AggregationProcessor) apply(g *group, fn step) error {
	for i, m := range p.plan.measures {
		s, err := fn(m.aggregator, g.states[i], m)
		if err != nil {
			return fmt.Errorf("measure %d: %w", i, err)
		}
		g.states[i] = s
	}
	return nil
}

// transition is a computed group change that has not been saved yet.
type transition struct {
	group group
	op    krecordstore.Operation
}

func (p *AggregationProcessor) insert(r krecordstore.ProcessorRecord) (transition, error) {
	g, err := p.load(p.groupKey(r))
	if err != nil {
		return transition{}, err
	}
	var old krecordstore.ProcessorRecord
	if g.count > 0 {
		if old, err = p.row(r, g); err != nil {
			return transition{}, err
		}
	}
	err = p.apply(&g, func(a Aggregator, s []byte, m measure) ([]byte, error) {
		return a.Insert(s, r.Field(m.index))
	})
	if err != nil {
		return transition{}, err
	}
	g.count++
	row, err := p.row(r, g)
	if err != nil {
		return transition{}, err
	}
	if g.count == 1 {
		return transition{g, krecordstore.Insert(row)}, nil
	}
	return transition{g, krecordstore.Update(old, row)}, nil
}

func (p *AggregationProcessor) delete(r krecordstore.ProcessorRecord) (transition, error) {
	g, err := p.load(p.groupKey(r))
	if err != nil {
		return transition{}, err
	}
	if g.count == 0 {
		return transition{}, fmt.Errorf("%w: delete from empty group", ErrUnderflow)
	}
	old, err := p.row(r, g)
	if err != nil {
		return transition{}, err
	}
	err = p.apply(&g, func(a Aggregator, s []byte, m measure) ([]byte, error) {
		return a.Delete(s, r.Field(m.index))
	})
	if err != nil {
		return transition{}, err
	}
	g.count--
	if g.count == 0 {
		return transition{g, krecordstore.Delete(old)}, nil
	}
	row, err := p.row(r, g)
	if err != nil {
		return transition{}, err
	}
	return transition{g, krecordstore.Update(old, row)}, nil
}

func (p *AggregationProcessor) update(old, r krecordstore.ProcessorRecord) ([]transition, error) {
	key := p.groupKey(r)
	if !bytes.Equal(p.groupKey(old), key) {
		// Both groups are computed before either is saved, so a failing
		// insert leaves the old group untouched.
		del, err := p.delete(old)
		if err != nil {
			return nil, err
		}
		ins, err := p.insert(r)
		if err != nil {
			return nil, err
		}
		return []transition{del, ins}, nil
	}

	g, err := p.load(key)
	if err != nil {
		return nil, err
	}
	if g.count == 0 {
		return nil, fmt.Errorf("%w: update in empty group", ErrUnderflow)
	}
	before, err := p.row(old, g)
	if err != nil {
		return nil, err
	}
	err = p.apply(&g, func(a Aggregator, s []byte, m measure) ([]byte, error) {
		return a.Update(s, old.Field(m.index), r.Field(m.index))
	})
	if err != nil {
		return nil, err
	}
	after, err := p.row(r, g)
	if err != nil {
		return nil, err
	}
	return []transition{{g, krecordstore.Update(before, after)}}, nil
}

func (p *AggregationProcessor) Process(fromPort kprocessor.PortHandle, op krecordstore.Operation, fw kprocessor.Forwarder) error {
	if fromPort != kprocessor.DefaultPortHandle {
		return fmt.Errorf("%w: %s", kprocessor.ErrUnknownPort, fromPort)
	}

	var out []transition
	switch op.Kind {
	case ktypes.OpInsert:
		t, err := p.insert(op.New)
		if err != nil {
			return err
		}
		out = append(out, t)
	case ktypes.OpDelete:
		t, err := p.delete(op.Old)
		if err != nil {
			return err
		}
		out = append(out, t)
	case ktypes.OpUpdate:
		ts, err := p.update(op.Old, op.New)
		if err != nil {
			return err
		}
		out = ts
	default:
		return fmt.Errorf("%w: unsupported operation %s", ErrAggregation, op.Kind)
	}

	for _, t := range out {
		if err := p.save(t.group); err != nil {
			return fmt.Errorf("%w: %w", kstate.ErrStorage, err)
		}
	}
	for _, t := range out {
		fw.Send(t.op, kprocessor.DefaultPortHandle)
	}
	return nil
}

func (p *AggregationProcessor) Commit(kprocessor.Epoch) error {
	return p.backend.Flush()
}

// Serialize dumps every key and value of the state store.
func (p *AggregationProcessor) Serialize(*krecordstore.Store) ([]byte, error) {
	var b []byte
	for k, v := range p.backend.All() {
		b = protowire.AppendBytes(b, k)
		b = protowire.AppendBytes(b, v)
	}
	return b, nil
}

var _ kprocessor.ProcessorFactory = (*AggregationProcessorFactory)(nil)
