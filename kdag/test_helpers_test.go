package kdag

import (
	"errors"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

func intSchema(names ...string) ktypes.Schema {
	var s ktypes.Schema
	for i, n := range names {
		s.Field(ktypes.FieldDefinition{Name: n, Typ: ktypes.KindInt}, i == 0)
	}
	return s
}

// testSource exposes one schema per port.
type testSource struct {
	ports   []kprocessor.OutputPortDef
	schemas map[kprocessor.PortHandle]ktypes.Schema
}

func newTestSource(schemas map[kprocessor.PortHandle]ktypes.Schema) *testSource {
	s := &testSource{schemas: schemas}
	for port := range schemas {
		s.ports = append(s.ports, kprocessor.NewOutputPortDef(port, kprocessor.Stateless))
	}
	return s
}

func (s *testSource) OutputPorts() []kprocessor.OutputPortDef { return s.ports }

func (s *testSource) OutputSchema(port kprocessor.PortHandle) (ktypes.Schema, error) {
	schema, ok := s.schemas[port]
	if !ok {
		return ktypes.Schema{}, errors.New("unknown port")
	}
	return schema, nil
}

func (s *testSource) Build(map[kprocessor.PortHandle]ktypes.Schema) (kprocessor.Source, error) {
	return nil, errors.New("not buildable")
}

// concatProcessor outputs the fields of all inputs in port order.
type concatProcessor struct {
	inputs []kprocessor.PortHandle
	typ    kprocessor.OutputPortType
}

func (p *concatProcessor) InputPorts() []kprocessor.PortHandle { return p.inputs }

func (p *concatProcessor) OutputPorts() []kprocessor.OutputPortDef {
	return []kprocessor.OutputPortDef{kprocessor.NewOutputPortDef(kprocessor.DefaultPortHandle, p.typ)}
}

func (p *concatProcessor) OutputSchema(_ kprocessor.PortHandle, in map[kprocessor.PortHandle]ktypes.Schema) (ktypes.Schema, error) {
	var out ktypes.Schema
	for _, port := range p.inputs {
		out.Fields = append(out.Fields, in[port].Fields...)
	}
	return out, nil
}

func (p *concatProcessor) OutputContext(port kprocessor.PortHandle) any {
	return "ctx-" + port.String()
}

func (p *concatProcessor) Build(kprocessor.ProcessorBuildContext) (kprocessor.Processor, error) {
	return nil, errors.New("not buildable")
}

// recordingSink remembers the schemas it was prepared with.
type recordingSink struct {
	prepared map[kprocessor.PortHandle]ktypes.Schema
	err      error
}

func (s *recordingSink) InputPorts() []kprocessor.PortHandle {
	return []kprocessor.PortHandle{kprocessor.DefaultPortHandle}
}

func (s *recordingSink) Prepare(in map[kprocessor.PortHandle]ktypes.Schema) error {
	s.prepared = in
	return s.err
}

func (s *recordingSink) Build(map[kprocessor.PortHandle]ktypes.Schema) (kprocessor.Sink, error) {
	return nil, errors.New("not buildable")
}
