package kdag

import (
	"fmt"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

// AppSourceMapping exposes a table of a connection on a source port.
type AppSourceMapping struct {
	Table string
	Port  kprocessor.PortHandle
}

// AppSource is a source connection shared by all pipelines of an App.
type AppSource struct {
	Connection string
	Factory    kprocessor.SourceFactory
	Mappings   []AppSourceMapping
}

// AppSourceID names a table, optionally qualified by its connection.
type AppSourceID struct {
	Table      string
	Connection string
}

func (id AppSourceID) String() string {
	if id.Connection == "" {
		return id.Table
	}
	return id.Connection + "." + id.Table
}

// AppSourceManager resolves table names to source ports.
type AppSourceManager struct {
	sources []AppSource
}

func NewAppSourceManager() *AppSourceManager {
	return &AppSourceManager{}
}

// Add registers a connection. Connection names are unique.
func (m *AppSourceManager) Add(src AppSource) error {
	for _, existing := range m.sources {
		if existing.Connection == src.Connection {
			return fmt.Errorf("%w: %s", ErrDuplicateConnection, src.Connection)
		}
	}
	m.sources = append(m.sources, src)
	return nil
}

// Lookup returns the connection and port serving id. An unqualified table
// exposed by more than one connection is ambiguous.
func (m *AppSourceManager) Lookup(id AppSourceID) (string, kprocessor.PortHandle, error) {
	type match struct {
		connection string
		port       kprocessor.PortHandle
	}
	var matches []match
	for _, src := range m.sources {
		if id.Connection != "" && src.Connection != id.Connection {
			continue
		}
		for _, mapping := range src.Mappings {
			if mapping.Table == id.Table {
				matches = append(matches, match{src.Connection, mapping.Port})
			}
		}
	}
	switch len(matches) {
	case 0:
		return "", 0, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	case 1:
		return matches[0].connection, matches[0].port, nil
	default:
		return "", 0, fmt.Errorf("%w: %s is exposed by %d connections", ErrAmbiguousSource, id, len(matches))
	}
}

// PipelineEntryPoint feeds a source table into an input port of a
// pipeline node.
type PipelineEntryPoint struct {
	Source AppSourceID
	Port   kprocessor.PortHandle
}

type pipelineNode struct {
	id          string
	processor   kprocessor.ProcessorFactory
	sink        kprocessor.SinkFactory
	entryPoints []PipelineEntryPoint
}

type pipelineEdge struct {
	from     string
	fromPort kprocessor.PortHandle
	to       string
	toPort   kprocessor.PortHandle
}

// AppPipeline is a set of processors and sinks addressed by name. Each
// pipeline gets its own node namespace when turned into a Dag.
type AppPipeline struct {
	nodes []pipelineNode
	edges []pipelineEdge
	names map[string]struct{}
}

func NewAppPipeline() *AppPipeline {
	return &AppPipeline{names: make(map[string]struct{})}
}

func (p *AppPipeline) add(n pipelineNode) error {
	if _, exists := p.names[n.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, n.id)
	}
	p.names[n.id] = struct{}{}
	p.nodes = append(p.nodes, n)
	return nil
}

func (p *AppPipeline) AddProcessor(id string, f kprocessor.ProcessorFactory, entryPoints ...PipelineEntryPoint) error {
	return p.add(pipelineNode{id: id, processor: f, entryPoints: entryPoints})
}

func (p *AppPipeline) AddSink(id string, f kprocessor.SinkFactory, entryPoints ...PipelineEntryPoint) error {
	return p.add(pipelineNode{id: id, sink: f, entryPoints: entryPoints})
}

// ConnectNodes connects two nodes of this pipeline.
func (p *AppPipeline) ConnectNodes(from string, fromPort kprocessor.PortHandle, to string, toPort kprocessor.PortHandle) error {
	for _, name := range []string{from, to} {
		if _, ok := p.names[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNodeNameNotFound, name)
		}
	}
	p.edges = append(p.edges, pipelineEdge{from: from, fromPort: fromPort, to: to, toPort: toPort})
	return nil
}

// App combines shared sources with pipelines.
type App struct {
	sources   *AppSourceManager
	pipelines []*AppPipeline
}

func NewApp(sources *AppSourceManager) *App {
	return &App{sources: sources}
}

func (a *App) AddPipeline(p *AppPipeline) {
	a.pipelines = append(a.pipelines, p)
}

// IntoDag builds the Dag. Sources live in namespace 0 and pipeline i in
// namespace i+1.
func (a *App) IntoDag() (*Dag, error) {
	dag := NewDag()
	for _, src := range a.sources.sources {
		if _, err := dag.AddSource(ktypes.NodeHandle{ID: src.Connection}, src.Factory); err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Connection, err)
		}
	}

	for i, p := range a.pipelines {
		ns := uint16(i + 1)
		for _, n := range p.nodes {
			handle := ktypes.NodeHandle{Namespace: ns, ID: n.id}
			var err error
			if n.processor != nil {
				_, err = dag.AddProcessor(handle, n.processor)
			} else {
				_, err = dag.AddSink(handle, n.sink)
			}
			if err != nil {
				return nil, fmt.Errorf("pipeline %d: %w", i, err)
			}
		}

		for _, n := range p.nodes {
			for _, ep := range n.entryPoints {
				conn, port, err := a.sources.Lookup(ep.Source)
				if err != nil {
					return nil, fmt.Errorf("pipeline %d node %s: %w", i, n.id, err)
				}
				err = dag.ConnectHandles(ktypes.NodeHandle{ID: conn}, port, ktypes.NodeHandle{Namespace: ns, ID: n.id}, ep.Port)
				if err != nil {
					return nil, fmt.Errorf("pipeline %d node %s: %w", i, n.id, err)
				}
			}
		}

		for _, e := range p.edges {
			err := dag.ConnectHandles(ktypes.NodeHandle{Namespace: ns, ID: e.from}, e.fromPort, ktypes.NodeHandle{Namespace: ns, ID: e.to}, e.toPort)
			if err != nil {
				return nil, fmt.Errorf("pipeline %d: %s -> %s: %w", i, e.from, e.to, err)
			}
		}
	}

	return dag, nil
}
