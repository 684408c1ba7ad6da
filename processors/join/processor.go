// Package join implements the stateful incremental join of two inputs.
//
// Port 0 carries the left input and port 1 the right one. Each input is
// indexed by its join key; every change on one side is matched against the
// live records of the other and turned into inserts and deletes of joined
// records. Outer joins pad missing partners with NULLs and retract the
// padded rows once a partner arrives.
package join

import (
	"fmt"
	"time"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
)

const (
	LeftPort  kprocessor.PortHandle = 0
	RightPort kprocessor.PortHandle = 1
)

// JoinProcessorFactory builds join processors.
type JoinProcessorFactory struct {
	id        string
	typ       JoinType
	leftKeys  []int
	rightKeys []int
}

// NewJoinProcessorFactory joins left and right where the fields at leftKeys
// equal the fields at rightKeys. id labels the join's metrics.
func NewJoinProcessorFactory(id string, typ JoinType, leftKeys, rightKeys []int) *JoinProcessorFactory {
	return &JoinProcessorFactory{
		id:        id,
		typ:       typ,
		leftKeys:  leftKeys,
		rightKeys: rightKeys,
	}
}

func (f *JoinProcessorFactory) InputPorts() []kprocessor.PortHandle {
	return []kprocessor.PortHandle{LeftPort, RightPort}
}

func (f *JoinProcessorFactory) OutputPorts() []kprocessor.OutputPortDef {
	return []kprocessor.OutputPortDef{kprocessor.NewOutputPortDef(kprocessor.DefaultPortHandle, kprocessor.Stateless)}
}

func (f *JoinProcessorFactory) inputs(inputSchemas map[kprocessor.PortHandle]ktypes.Schema) (left, right ktypes.Schema, err error) {
	left, ok := inputSchemas[LeftPort]
	if !ok {
		return left, right, fmt.Errorf("%w: no schema for left port", ErrJoin)
	}
	right, ok = inputSchemas[RightPort]
	if !ok {
		return left, right, fmt.Errorf("%w: no schema for right port", ErrJoin)
	}
	return left, right, validateKeys(f.leftKeys, f.rightKeys, left, right)
}

// OutputSchema is the left fields followed by the right fields. The primary
// key combines both primary keys. Fields of a side that may be padded with
// NULLs become nullable.
func (f *JoinProcessorFactory) OutputSchema(_ kprocessor.PortHandle, inputSchemas map[kprocessor.PortHandle]ktypes.Schema) (ktypes.Schema, error) {
	left, right, err := f.inputs(inputSchemas)
	if err != nil {
		return ktypes.Schema{}, err
	}

	var out ktypes.Schema
	appendSide := func(s ktypes.Schema, nullable bool) {
		offset := len(out.Fields)
		for _, def := range s.Fields {
			if nullable {
				def.Nullable = true
			}
			out.Fields = append(out.Fields, def)
		}
		for _, idx := range s.PrimaryIndex {
			out.PrimaryIndex = append(out.PrimaryIndex, idx+offset)
		}
	}
	appendSide(left, f.typ == RightOuter)
	appendSide(right, f.typ == LeftOuter)
	return out, nil
}

func (f *JoinProcessorFactory) Build(ctx kprocessor.ProcessorBuildContext) (kprocessor.Processor, error) {
	left, right, err := f.inputs(ctx.InputSchemas)
	if err != nil {
		return nil, err
	}
	op, err := NewJoinOperator(f.typ, f.leftKeys, f.rightKeys, left, right, ctx.Store, ctx.Checkpoint)
	if err != nil {
		return nil, err
	}
	if ctx.Checkpoint != nil && ctx.Logger != nil {
		ctx.Logger.Info("Restored join tables", "left_keys", op.LeftLookupSize(), "right_keys", op.RightLookupSize())
	}
	return &JoinProcessor{
		operator: op,
		metrics:  newJoinMetrics(f.id),
	}, nil
}

// JoinProcessor feeds a JoinOperator and forwards its actions.
type JoinProcessor struct {
	operator *JoinOperator
	metrics  joinMetrics
}

func (p *JoinProcessor) Process(fromPort kprocessor.PortHandle, op krecordstore.Operation, fw kprocessor.Forwarder) error {
	var branch JoinBranch
	switch fromPort {
	case LeftPort:
		branch = Left
	case RightPort:
		branch = Right
	default:
		return fmt.Errorf("%w: %s", kprocessor.ErrUnknownPort, fromPort)
	}

	start := time.Now()

	var actions []JoinAction
	switch op.Kind {
	case ktypes.OpInsert:
		p.evictAt(op.New.Lifetime)
		actions = p.operator.Insert(branch, op.New)
	case ktypes.OpDelete:
		p.evictAt(op.Old.Lifetime)
		actions = p.operator.Delete(branch, op.Old)
	case ktypes.OpUpdate:
		p.evictAt(op.Old.Lifetime)
		actions = p.operator.Update(branch, op.Old, op.New)
	default:
		return fmt.Errorf("%w: unsupported operation %s", ErrJoin, op.Kind)
	}

	p.metrics.latency.Observe(time.Since(start).Seconds())
	p.metrics.opsIn.Inc()
	p.metrics.opsOut.Add(float64(len(actions)))
	if len(actions) == 0 {
		p.metrics.unsatisfied.Inc()
	}
	p.updateLookupSizes()

	for _, a := range actions {
		fw.Send(a.Op(), kprocessor.DefaultPortHandle)
	}
	return nil
}

// evictAt runs eviction with the reference time of an incoming lifetime.
func (p *JoinProcessor) evictAt(lt *ktypes.Lifetime) {
	if lt != nil {
		p.operator.EvictIndex(lt.Reference)
	}
}

func (p *JoinProcessor) updateLookupSizes() {
	p.metrics.left.Set(float64(p.operator.LeftLookupSize()))
	p.metrics.right.Set(float64(p.operator.RightLookupSize()))
}

// Punctuate evicts records that expired by now.
func (p *JoinProcessor) Punctuate(now time.Time, _ kprocessor.Forwarder) error {
	if p.operator.EvictIndex(now) > 0 {
		p.updateLookupSizes()
	}
	return nil
}

func (p *JoinProcessor) Commit(kprocessor.Epoch) error {
	return nil
}

func (p *JoinProcessor) Serialize(store *krecordstore.Store) ([]byte, error) {
	return p.operator.Serialize(store)
}

var (
	_ kprocessor.ProcessorFactory = (*JoinProcessorFactory)(nil)
	_ kprocessor.Punctuator       = (*JoinProcessor)(nil)
)
