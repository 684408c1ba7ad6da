package kdag

import (
	"fmt"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

// PortError reports a problem with one input port of a node.
type PortError struct {
	Err  error
	Node ktypes.NodeHandle
	Port kprocessor.PortHandle
}

func (e *PortError) Error() string {
	return fmt.Sprintf("node %s port %s: %v", e.Node, e.Port, e.Err)
}

func (e *PortError) Unwrap() error {
	return e.Err
}

// EdgeSchema is the schema of the records travelling along an edge, plus
// the opaque context supplied by the upstream node.
type EdgeSchema struct {
	Schema  ktypes.Schema
	Context any
}

// DagSchemas is a Dag whose schemas have all been derived and checked.
type DagSchemas struct {
	dag     *Dag
	order   []NodeIndex
	inputs  []map[kprocessor.PortHandle]ktypes.Schema
	outputs []map[kprocessor.PortHandle]ktypes.Schema
	edges   []EdgeSchema
}

// NewDagSchemas validates the dag and derives the schema of every port in
// topological order. Sinks are prepared with their input schemas.
func NewDagSchemas(dag *Dag) (*DagSchemas, error) {
	if err := dag.Validate(); err != nil {
		return nil, err
	}
	order, err := dag.TopologicalSort()
	if err != nil {
		return nil, err
	}

	s := &DagSchemas{
		dag:     dag,
		order:   order,
		inputs:  make([]map[kprocessor.PortHandle]ktypes.Schema, dag.Len()),
		outputs: make([]map[kprocessor.PortHandle]ktypes.Schema, dag.Len()),
	}

	for _, idx := range order {
		node := dag.Node(idx)
		switch node.Kind {
		case NodeKindSource:
			outputs := make(map[kprocessor.PortHandle]ktypes.Schema)
			for _, port := range node.Source.OutputPorts() {
				schema, err := node.Source.OutputSchema(port.Handle)
				if err != nil {
					return nil, fmt.Errorf("node %s: output schema of port %s: %w", node.Handle, port.Handle, err)
				}
				if outputs[port.Handle], err = prepare(port, schema); err != nil {
					return nil, fmt.Errorf("node %s: %w", node.Handle, err)
				}
			}
			s.outputs[idx] = outputs

		case NodeKindProcessor:
			inputs, err := s.collectInputs(idx)
			if err != nil {
				return nil, err
			}
			outputs := make(map[kprocessor.PortHandle]ktypes.Schema)
			for _, port := range node.Processor.OutputPorts() {
				schema, err := node.Processor.OutputSchema(port.Handle, inputs)
				if err != nil {
					return nil, fmt.Errorf("node %s: output schema of port %s: %w", node.Handle, port.Handle, err)
				}
				if outputs[port.Handle], err = prepare(port, schema); err != nil {
					return nil, fmt.Errorf("node %s: %w", node.Handle, err)
				}
			}
			s.inputs[idx] = inputs
			s.outputs[idx] = outputs

		case NodeKindSink:
			inputs, err := s.collectInputs(idx)
			if err != nil {
				return nil, err
			}
			if err := node.Sink.Prepare(inputs); err != nil {
				return nil, fmt.Errorf("node %s: prepare sink: %w", node.Handle, err)
			}
			s.inputs[idx] = inputs
		}
	}

	s.edges = make([]EdgeSchema, len(dag.Edges()))
	for i, e := range dag.Edges() {
		es := EdgeSchema{Schema: s.outputs[e.From.Node][e.From.Port]}
		if p, ok := dag.Node(e.From.Node).factory().(kprocessor.OutputContextProvider); ok {
			es.Context = p.OutputContext(e.From.Port)
		}
		s.edges[i] = es
	}

	return s, nil
}

func prepare(port kprocessor.OutputPortDef, schema ktypes.Schema) (ktypes.Schema, error) {
	if err := schema.Validate(); err != nil {
		return ktypes.Schema{}, fmt.Errorf("output schema of port %s: %w", port.Handle, err)
	}
	return port.Typ.PrepareSchema(schema), nil
}

func (s *DagSchemas) collectInputs(idx NodeIndex) (map[kprocessor.PortHandle]ktypes.Schema, error) {
	node := s.dag.Node(idx)
	inputs := make(map[kprocessor.PortHandle]ktypes.Schema)
	for _, edgeIdx := range s.dag.Incoming(idx) {
		e := s.dag.Edges()[edgeIdx]
		if !node.hasInputPort(e.To.Port) {
			return nil, fmt.Errorf("%w: %s has no input port %s", ErrPortNotFound, node.Handle, e.To.Port)
		}
		if _, dup := inputs[e.To.Port]; dup {
			return nil, &PortError{Err: ErrDuplicateInput, Node: node.Handle, Port: e.To.Port}
		}
		schema, ok := s.outputs[e.From.Node][e.From.Port]
		if !ok {
			from := s.dag.Node(e.From.Node)
			return nil, fmt.Errorf("%w: %s has no output port %s", ErrPortNotFound, from.Handle, e.From.Port)
		}
		inputs[e.To.Port] = schema
	}
	for _, port := range node.InputPorts() {
		if _, ok := inputs[port]; !ok {
			return nil, &PortError{Err: ErrMissingInput, Node: node.Handle, Port: port}
		}
	}
	return inputs, nil
}

// Dag returns the underlying graph.
func (s *DagSchemas) Dag() *Dag {
	return s.dag
}

// Order returns the node indexes in topological order.
func (s *DagSchemas) Order() []NodeIndex {
	return s.order
}

// InputSchemas returns the schema of every input port of a node.
func (s *DagSchemas) InputSchemas(idx NodeIndex) map[kprocessor.PortHandle]ktypes.Schema {
	return s.inputs[idx]
}

// OutputSchemas returns the schema of every output port of a node.
func (s *DagSchemas) OutputSchemas(idx NodeIndex) map[kprocessor.PortHandle]ktypes.Schema {
	return s.outputs[idx]
}

// EdgeSchema returns the schema of the edge at edgeIdx.
func (s *DagSchemas) EdgeSchema(edgeIdx int) EdgeSchema {
	return s.edges[edgeIdx]
}
