package kdag

import (
	"fmt"
	"slices"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

// NodeKind represents the kind of node in the DAG
type NodeKind int

const (
	NodeKindSource NodeKind = iota
	NodeKindProcessor
	NodeKindSink
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindSource:
		return "Source"
	case NodeKindProcessor:
		return "Processor"
	case NodeKindSink:
		return "Sink"
	default:
		return "Unknown"
	}
}

// NodeIndex is the position of a node in its Dag.
type NodeIndex int

// Node is a vertex of the DAG. Exactly one of the factories is set,
// matching Kind.
type Node struct {
	Handle ktypes.NodeHandle
	Kind   NodeKind

	Source    kprocessor.SourceFactory
	Processor kprocessor.ProcessorFactory
	Sink      kprocessor.SinkFactory
}

// InputPorts returns the declared input ports. Sources have none.
func (n *Node) InputPorts() []kprocessor.PortHandle {
	switch n.Kind {
	case NodeKindProcessor:
		return n.Processor.InputPorts()
	case NodeKindSink:
		return n.Sink.InputPorts()
	default:
		return nil
	}
}

// OutputPorts returns the declared output ports. Sinks have none.
func (n *Node) OutputPorts() []kprocessor.OutputPortDef {
	switch n.Kind {
	case NodeKindSource:
		return n.Source.OutputPorts()
	case NodeKindProcessor:
		return n.Processor.OutputPorts()
	default:
		return nil
	}
}

// OutputPort returns the definition of an output port.
func (n *Node) OutputPort(port kprocessor.PortHandle) (kprocessor.OutputPortDef, bool) {
	for _, def := range n.OutputPorts() {
		if def.Handle == port {
			return def, true
		}
	}
	return kprocessor.OutputPortDef{}, false
}

func (n *Node) hasInputPort(port kprocessor.PortHandle) bool {
	return slices.Contains(n.InputPorts(), port)
}

func (n *Node) factory() any {
	switch n.Kind {
	case NodeKindSource:
		return n.Source
	case NodeKindProcessor:
		return n.Processor
	default:
		return n.Sink
	}
}

// Endpoint is one side of an edge.
type Endpoint struct {
	Node NodeIndex
	Port kprocessor.PortHandle
}

// Edge connects an output port to an input port.
type Edge struct {
	From Endpoint
	To   Endpoint
}

// Dag is the build-time graph. It contains only structural information;
// schemas are derived by DagSchemas and runtime nodes by the executor.
//
// IMPORTANT: Dag is NOT safe for concurrent modification.
type Dag struct {
	nodes  []Node
	edges  []Edge
	handle map[ktypes.NodeHandle]NodeIndex
}

// NewDag creates a new empty graph.
func NewDag() *Dag {
	return &Dag{
		handle: make(map[ktypes.NodeHandle]NodeIndex),
	}
}

func (d *Dag) addNode(node Node) (NodeIndex, error) {
	if err := node.Handle.Validate(); err != nil {
		return 0, err
	}
	if _, exists := d.handle[node.Handle]; exists {
		return 0, fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node.Handle)
	}
	idx := NodeIndex(len(d.nodes))
	d.nodes = append(d.nodes, node)
	d.handle[node.Handle] = idx
	return idx, nil
}

func (d *Dag) AddSource(handle ktypes.NodeHandle, f kprocessor.SourceFactory) (NodeIndex, error) {
	return d.addNode(Node{Handle: handle, Kind: NodeKindSource, Source: f})
}

func (d *Dag) AddProcessor(handle ktypes.NodeHandle, f kprocessor.ProcessorFactory) (NodeIndex, error) {
	return d.addNode(Node{Handle: handle, Kind: NodeKindProcessor, Processor: f})
}

func (d *Dag) AddSink(handle ktypes.NodeHandle, f kprocessor.SinkFactory) (NodeIndex, error) {
	return d.addNode(Node{Handle: handle, Kind: NodeKindSink, Sink: f})
}

// Connect adds a directed edge from an output port to an input port.
// Both ports must be declared by their nodes.
func (d *Dag) Connect(from, to Endpoint) error {
	parent, err := d.node(from.Node)
	if err != nil {
		return fmt.Errorf("parent: %w", err)
	}
	child, err := d.node(to.Node)
	if err != nil {
		return fmt.Errorf("child: %w", err)
	}

	if parent.Kind == NodeKindSink {
		return fmt.Errorf("%w: sink %s cannot have children", ErrInvalidTopology, parent.Handle)
	}
	if child.Kind == NodeKindSource {
		return fmt.Errorf("%w: source %s cannot be a child", ErrInvalidTopology, child.Handle)
	}
	if _, ok := parent.OutputPort(from.Port); !ok {
		return fmt.Errorf("%w: %s has no output port %s", ErrPortNotFound, parent.Handle, from.Port)
	}
	if !child.hasInputPort(to.Port) {
		return fmt.Errorf("%w: %s has no input port %s", ErrPortNotFound, child.Handle, to.Port)
	}

	d.edges = append(d.edges, Edge{From: from, To: to})
	return nil
}

// ConnectHandles is Connect addressed by node handles.
func (d *Dag) ConnectHandles(from ktypes.NodeHandle, fromPort kprocessor.PortHandle, to ktypes.NodeHandle, toPort kprocessor.PortHandle) error {
	fromIdx, ok := d.handle[from]
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrNodeNotFound, from)
	}
	toIdx, ok := d.handle[to]
	if !ok {
		return fmt.Errorf("%w: child %s", ErrNodeNotFound, to)
	}
	return d.Connect(Endpoint{Node: fromIdx, Port: fromPort}, Endpoint{Node: toIdx, Port: toPort})
}

func (d *Dag) node(idx NodeIndex) (*Node, error) {
	if idx < 0 || int(idx) >= len(d.nodes) {
		return nil, fmt.Errorf("%w: index %d", ErrNodeNotFound, idx)
	}
	return &d.nodes[idx], nil
}

// Node returns the node at idx. It panics if idx is out of range.
func (d *Dag) Node(idx NodeIndex) *Node {
	return &d.nodes[idx]
}

// NodeByHandle returns the index of the node with the given handle.
func (d *Dag) NodeByHandle(handle ktypes.NodeHandle) (NodeIndex, bool) {
	idx, ok := d.handle[handle]
	return idx, ok
}

// Len returns the number of nodes.
func (d *Dag) Len() int {
	return len(d.nodes)
}

// Edges returns all edges in insertion order. Edge indexes are positions in
// this slice.
func (d *Dag) Edges() []Edge {
	return d.edges
}

// Incoming returns the indexes of the edges ending at idx.
func (d *Dag) Incoming(idx NodeIndex) []int {
	var out []int
	for i, e := range d.edges {
		if e.To.Node == idx {
			out = append(out, i)
		}
	}
	return out
}

// Outgoing returns the indexes of the edges starting at idx.
func (d *Dag) Outgoing(idx NodeIndex) []int {
	var out []int
	for i, e := range d.edges {
		if e.From.Node == idx {
			out = append(out, i)
		}
	}
	return out
}

// children returns the distinct child nodes of idx.
func (d *Dag) children(idx NodeIndex) []NodeIndex {
	var out []NodeIndex
	for _, e := range d.edges {
		if e.From.Node == idx && !slices.Contains(out, e.To.Node) {
			out = append(out, e.To.Node)
		}
	}
	return out
}

// Sources returns the indexes of all source nodes in insertion order.
func (d *Dag) Sources() []NodeIndex {
	var out []NodeIndex
	for i, n := range d.nodes {
		if n.Kind == NodeKindSource {
			out = append(out, NodeIndex(i))
		}
	}
	return out
}
