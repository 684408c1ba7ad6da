package execution

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdayz/kflow/internal/checkpoint"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/ktypes"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Config holds everything the execution dag needs besides the dag itself.
type Config struct {
	ChannelBufferSize int
	PollTimeout       time.Duration
	Errors            *ErrorManager

	// Checkpointer may be nil when checkpointing is disabled.
	Checkpointer *checkpoint.Checkpointer
	// Restored is the last complete epoch, or nil.
	Restored *checkpoint.Restored

	OpenStore kstate.StoreFactory
	Running   *atomic.Bool
	// Stop is closed to stop the sources. Nil never stops them.
	Stop         <-chan struct{}
	Interceptors []kprocessor.ProcessorInterceptor
	Logger       *slog.Logger
}

type runnable interface {
	Run(ctx context.Context) error
}

// ExecutionDag is the runtime form of a dag: one goroutine per processor and
// sink, one for all sources, connected by bounded channels.
type ExecutionDag struct {
	nodes []runnable
	log   *slog.Logger

	storesMu sync.Mutex
	stores   []kstate.StoreBackend
	closers  []io.Closer
}

// Participants returns the node handles that ack epochs: every processor and
// sink.
func Participants(schemas *kdag.DagSchemas) []string {
	dag := schemas.Dag()
	var out []string
	for _, idx := range schemas.Order() {
		node := dag.Node(idx)
		if node.Kind != kdag.NodeKindSource {
			out = append(out, node.Handle.String())
		}
	}
	return out
}

// NewExecutionDag builds every node of schemas. State backends opened while
// building are closed by Close.
func NewExecutionDag(schemas *kdag.DagSchemas, store *krecordstore.Store, cfg Config) (*ExecutionDag, error) {
	d := &ExecutionDag{log: cfg.Logger}
	dag := schemas.Dag()

	channels := make([]*ChannelManager, dag.Len())
	inputs := make([][]input, dag.Len())
	for i := range dag.Len() {
		idx := kdag.NodeIndex(i)
		channels[i] = newChannelManager(dag.Node(idx).Handle, store)
	}
	for edgeIdx, e := range dag.Edges() {
		ch := make(chan ExecutorOperation, cfg.ChannelBufferSize)
		from, to := dag.Node(e.From.Node), dag.Node(e.To.Node)
		channels[e.From.Node].addEdge(e.From.Port, to.Handle, ch)
		inputs[e.To.Node] = append(inputs[e.To.Node], input{port: e.To.Port, from: from.Handle, ch: ch})
		d.log.Debug("Connected edge", "edge", edgeIdx, "from", from.Handle, "from_port", e.From.Port, "to", to.Handle, "to_port", e.To.Port)
	}

	for _, idx := range schemas.Order() {
		node := dag.Node(idx)
		cm := channels[idx]
		for _, port := range node.OutputPorts() {
			cm.port(port.Handle)
			if !port.Typ.IsStateful() {
				continue
			}
			w, err := d.newWriter(cfg.OpenStore, node.Handle, port, schemas.OutputSchemas(idx)[port.Handle])
			if err != nil {
				return nil, multierr.Append(err, d.Close())
			}
			cm.setWriter(port.Handle, w)
		}
	}

	sources := &SourceNode{
		states:       make(ktypes.SourceStates),
		store:        store,
		checkpointer: cfg.Checkpointer,
		nextEpoch:    cfg.Restored.NextEpochID(),
		running:      cfg.Running,
		stop:         cfg.Stop,
		control:      make(chan sourceMessage, cfg.ChannelBufferSize),
		log:          cfg.Logger.With("node", "sources"),
	}

	for _, idx := range schemas.Order() {
		node := dag.Node(idx)
		log := cfg.Logger.With("node", node.Handle.String())
		switch node.Kind {
		case kdag.NodeKindSource:
			src, err := node.Source.Build(schemas.OutputSchemas(idx))
			if err != nil {
				return nil, multierr.Append(fmt.Errorf("build source %s: %w", node.Handle, err), d.Close())
			}
			sources.tasks = append(sources.tasks, &sourceTask{
				handle:   node.Handle,
				source:   src,
				resume:   cfg.Restored.ResumePoint(node.Handle),
				channels: channels[idx],
			})
			state := ktypes.SourceState{Kind: ktypes.SourceNotStarted}
			if cfg.Restored != nil {
				if restored, ok := cfg.Restored.Epoch.Details[node.Handle]; ok {
					state = restored
				}
			}
			sources.states[node.Handle] = state

		case kdag.NodeKindProcessor:
			p, err := node.Processor.Build(kprocessor.ProcessorBuildContext{
				InputSchemas:  schemas.InputSchemas(idx),
				OutputSchemas: schemas.OutputSchemas(idx),
				Store:         store,
				Checkpoint:    cfg.Restored.NodeState(node.Handle.String()),
				OpenStore:     d.storeFactory(cfg.OpenStore, node.Handle),
				Logger:        log,
			})
			if err != nil {
				return nil, multierr.Append(fmt.Errorf("build processor %s: %w", node.Handle, err), d.Close())
			}
			d.nodes = append(d.nodes, &ProcessorNode{
				handle:       node.Handle,
				processor:    kprocessor.WithInterceptors(p, cfg.Interceptors...),
				inputs:       sortedInputs(inputs[idx]),
				channels:     channels[idx],
				store:        store,
				checkpointer: cfg.Checkpointer,
				errors:       cfg.Errors,
				pollTimeout:  cfg.PollTimeout,
				log:          log,
				errCount:     nodeErrors.WithLabelValues(node.Handle.String()),
			})

		case kdag.NodeKindSink:
			s, err := node.Sink.Build(schemas.InputSchemas(idx))
			if err != nil {
				return nil, multierr.Append(fmt.Errorf("build sink %s: %w", node.Handle, err), d.Close())
			}
			if c, ok := s.(io.Closer); ok {
				d.storesMu.Lock()
				d.closers = append(d.closers, c)
				d.storesMu.Unlock()
			}
			d.nodes = append(d.nodes, &SinkNode{
				handle:       node.Handle,
				sink:         s,
				inputs:       sortedInputs(inputs[idx]),
				store:        store,
				checkpointer: cfg.Checkpointer,
				errors:       cfg.Errors,
				pollTimeout:  cfg.PollTimeout,
				log:          log,
				errCount:     nodeErrors.WithLabelValues(node.Handle.String()),
			})
		}
	}
	d.nodes = append(d.nodes, sources)
	return d, nil
}

func sortedInputs(in []input) []input {
	slices.SortStableFunc(in, func(a, b input) int { return int(a.port) - int(b.port) })
	return in
}

// storeFactory namespaces the stores of one node and remembers them for
// Close.
func (d *ExecutionDag) storeFactory(open kstate.StoreFactory, owner ktypes.NodeHandle) kstate.StoreFactory {
	return func(name string) (kstate.StoreBackend, error) {
		backend, err := open(owner.String() + "-" + name)
		if err != nil {
			return nil, err
		}
		d.storesMu.Lock()
		d.stores = append(d.stores, backend)
		d.storesMu.Unlock()
		return backend, nil
	}
}

func (d *ExecutionDag) newWriter(open kstate.StoreFactory, owner ktypes.NodeHandle, port kprocessor.OutputPortDef, schema ktypes.Schema) (kstate.RecordWriter, error) {
	backend, err := d.storeFactory(open, owner)("port-" + port.Handle.String())
	if err != nil {
		return nil, fmt.Errorf("node %s: open writer store: %w", owner, err)
	}
	var w kstate.RecordWriter
	switch port.Typ {
	case kprocessor.StatefulWithPrimaryKeyLookup:
		w, err = kstate.NewPrimaryKeyLookupRecordWriter(backend, schema)
	case kprocessor.AutogenRowKeyLookup:
		w, err = kstate.NewAutogenRowKeyLookupRecordWriter(backend)
	default:
		err = fmt.Errorf("no writer for %s", port.Typ)
	}
	if err != nil {
		return nil, fmt.Errorf("node %s: port %s: %w", owner, port.Handle, err)
	}
	return w, nil
}

// Run starts every node and waits for all of them. The first fatal error
// cancels the others.
func (d *ExecutionDag) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range d.nodes {
		g.Go(func() error {
			return n.Run(ctx)
		})
	}
	return g.Wait()
}

// Close closes every state backend opened by the dag's nodes, and every
// sink implementing io.Closer.
func (d *ExecutionDag) Close() error {
	d.storesMu.Lock()
	defer d.storesMu.Unlock()
	var err error
	for _, c := range d.closers {
		err = multierr.Append(err, c.Close())
	}
	for _, s := range d.stores {
		err = multierr.Append(err, s.Close())
	}
	d.stores, d.closers = nil, nil
	return err
}
