package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/ktypes"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

type edgeSender struct {
	to ktypes.NodeHandle
	ch chan<- ExecutorOperation
}

type portOutput struct {
	writer kstate.RecordWriter
	edges  []edgeSender
}

// ChannelManager owns the output side of a node. It implements
// kprocessor.Forwarder: ops go through the record writer of their port
// once and are then sent to every edge of that port.
type ChannelManager struct {
	owner ktypes.NodeHandle
	store *krecordstore.Store
	ports map[kprocessor.PortHandle]*portOutput
	ctx   context.Context

	blocked prometheus.Counter

	// Errors raised by Send during one Process call.
	errorsMutex sync.Mutex
	errors      []error
}

func newChannelManager(owner ktypes.NodeHandle, store *krecordstore.Store) *ChannelManager {
	return &ChannelManager{
		owner:   owner,
		store:   store,
		ports:   make(map[kprocessor.PortHandle]*portOutput),
		ctx:     context.Background(),
		blocked: blockedSends.WithLabelValues(owner.String()),
	}
}

func (m *ChannelManager) port(port kprocessor.PortHandle) *portOutput {
	out, ok := m.ports[port]
	if !ok {
		out = &portOutput{}
		m.ports[port] = out
	}
	return out
}

func (m *ChannelManager) addEdge(port kprocessor.PortHandle, to ktypes.NodeHandle, ch chan<- ExecutorOperation) {
	out := m.port(port)
	out.edges = append(out.edges, edgeSender{to: to, ch: ch})
}

func (m *ChannelManager) setWriter(port kprocessor.PortHandle, w kstate.RecordWriter) {
	m.port(port).writer = w
}

// bind sets the context used by Send. It is called once the node starts
// running.
func (m *ChannelManager) bind(ctx context.Context) {
	m.ctx = ctx
}

// Send implements kprocessor.Forwarder. Failures are collected and returned
// by drainErrors.
func (m *ChannelManager) Send(op krecordstore.Operation, port kprocessor.PortHandle) {
	if err := m.SendOp(m.ctx, op, port); err != nil {
		m.errorsMutex.Lock()
		m.errors = append(m.errors, err)
		m.errorsMutex.Unlock()
	}
}

// SendOp writes op through the port's record writer, if any, and sends the
// result to every edge of the port.
func (m *ChannelManager) SendOp(ctx context.Context, op krecordstore.Operation, port kprocessor.PortHandle) error {
	out, ok := m.ports[port]
	if !ok {
		return fmt.Errorf("node %s: %w: output port %s", m.owner, kprocessor.ErrUnknownPort, port)
	}
	if out.writer != nil {
		written, err := out.writer.Write(m.store.LoadOperation(op))
		if err != nil {
			return fmt.Errorf("node %s: port %s: write: %w", m.owner, port, err)
		}
		op = m.store.CreateOperation(written)
	}
	return m.sendAll(ctx, out.edges, OpMessage(op))
}

// SendMessage sends msg to every edge of port without touching the writer.
func (m *ChannelManager) SendMessage(ctx context.Context, msg ExecutorOperation, port kprocessor.PortHandle) error {
	out, ok := m.ports[port]
	if !ok {
		return fmt.Errorf("node %s: %w: output port %s", m.owner, kprocessor.ErrUnknownPort, port)
	}
	return m.sendAll(ctx, out.edges, msg)
}

// Broadcast sends msg to every edge of every port.
func (m *ChannelManager) Broadcast(ctx context.Context, msg ExecutorOperation) error {
	for _, out := range m.ports {
		if err := m.sendAll(ctx, out.edges, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *ChannelManager) sendAll(ctx context.Context, edges []edgeSender, msg ExecutorOperation) error {
	for _, e := range edges {
		select {
		case e.ch <- msg:
			continue
		default:
		}
		m.blocked.Inc()
		select {
		case e.ch <- msg:
		case <-ctx.Done():
			return fmt.Errorf("node %s: send to %s: %w", m.owner, e.to, ctx.Err())
		}
	}
	return nil
}

// CommitWriters makes everything written through the port writers durable.
func (m *ChannelManager) CommitWriters() error {
	var err error
	for port, out := range m.ports {
		if out.writer == nil {
			continue
		}
		if cerr := out.writer.Commit(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("node %s: port %s: commit writer: %w", m.owner, port, cerr))
		}
	}
	return err
}

// drainErrors returns the errors collected since the last call and clears
// them.
func (m *ChannelManager) drainErrors() []error {
	m.errorsMutex.Lock()
	defer m.errorsMutex.Unlock()

	if len(m.errors) == 0 {
		return nil
	}
	errs := make([]error, len(m.errors))
	copy(errs, m.errors)
	m.errors = m.errors[:0]
	return errs
}

var _ kprocessor.Forwarder = (*ChannelManager)(nil)
