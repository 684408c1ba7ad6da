package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/birdayz/kflow/internal/checkpoint"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
)

type sourceTask struct {
	handle   ktypes.NodeHandle
	source   kprocessor.Source
	resume   *ktypes.OpIdentifier
	channels *ChannelManager
}

type sourceMessage struct {
	task int
	port kprocessor.PortHandle
	msg  kprocessor.IngestionMessage
}

type sourceResult struct {
	task int
	err  error
}

// SourceNode runs every source of the dag and is the only owner of their
// states. It decides epochs: each commit of any source starts a new epoch
// that captures the state of all sources.
type SourceNode struct {
	tasks        []*sourceTask
	states       ktypes.SourceStates
	store        *krecordstore.Store
	checkpointer *checkpoint.Checkpointer
	nextEpoch    uint64
	// dirty is set while ops were forwarded that no epoch covers yet.
	dirty   bool
	running *atomic.Bool
	stop    <-chan struct{}
	control chan sourceMessage
	log     *slog.Logger
}

// sourceSender is the kprocessor.SourceSender handed to one source.
type sourceSender struct {
	node *SourceNode
	task int
}

func (s sourceSender) Send(ctx context.Context, port kprocessor.PortHandle, msg kprocessor.IngestionMessage) error {
	if !s.node.running.Load() {
		return kprocessor.ErrStopped
	}
	select {
	case s.node.control <- sourceMessage{task: s.task, port: port, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts all sources and forwards their messages until every source
// returned. Ops not covered by an epoch yet get a final one, then Terminate
// is broadcast.
func (n *SourceNode) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, t := range n.tasks {
		t.channels.bind(ctx)
	}

	// Sources run on their own context so that stopping them leaves the
	// dag running until it drained.
	srcCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()
	var stopped atomic.Bool
	if n.stop != nil {
		go func() {
			select {
			case <-n.stop:
				stopped.Store(true)
				stopSources()
			case <-srcCtx.Done():
			}
		}()
	}

	done := make(chan sourceResult, len(n.tasks))
	for i, t := range n.tasks {
		go func() {
			done <- sourceResult{task: i, err: n.runSource(srcCtx, i, t)}
		}()
	}

	remaining := len(n.tasks)
	for remaining > 0 {
		select {
		case m := <-n.control:
			if err := n.handle(ctx, m); err != nil {
				return err
			}
		case res := <-done:
			remaining--
			t := n.tasks[res.task]
			if stopped.Load() && errors.Is(res.err, context.Canceled) {
				res.err = nil
			}
			if res.err != nil && !errors.Is(res.err, kprocessor.ErrStopped) {
				return NewProcessingError(res.err, StageSource, t.handle)
			}
			n.log.Info("Source finished", "source", t.handle)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Sources that returned may have left messages behind.
	for drained := false; !drained; {
		select {
		case m := <-n.control:
			if err := n.handle(ctx, m); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	if n.dirty {
		n.log.Info("Committing final epoch")
		if err := n.commit(ctx); err != nil {
			return err
		}
	}

	n.log.Info("All sources finished, terminating")
	for _, t := range n.tasks {
		if err := t.channels.CommitWriters(); err != nil {
			return err
		}
		if err := t.channels.Broadcast(ctx, TerminateMessage()); err != nil {
			return err
		}
	}
	return nil
}

func (n *SourceNode) runSource(ctx context.Context, i int, t *sourceTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrSourcePanic, t.handle, r)
		}
	}()
	n.log.Info("Starting source", "source", t.handle, "resume", t.resume)
	return t.source.Start(ctx, sourceSender{node: n, task: i}, t.resume)
}

func (n *SourceNode) handle(ctx context.Context, m sourceMessage) error {
	t := n.tasks[m.task]
	switch msg := m.msg.(type) {
	case kprocessor.OperationEvent:
		n.states[t.handle] = ktypes.NonRestartable()
		n.dirty = true
		if err := t.channels.SendOp(ctx, n.store.CreateOperation(msg.Op), m.port); err != nil {
			return NewProcessingError(err, StageForward, t.handle)
		}
	case kprocessor.TransactionInfo:
		switch msg.Kind {
		case kprocessor.Commit:
			if msg.ID != nil {
				n.states[t.handle] = ktypes.Restartable(*msg.ID)
			} else {
				n.states[t.handle] = ktypes.NonRestartable()
			}
			return n.commit(ctx)
		case kprocessor.SnapshottingStarted:
			return t.channels.SendMessage(ctx, ExecutorOperation{
				Kind:       KindSnapshottingStarted,
				Connection: t.handle.ID,
			}, m.port)
		case kprocessor.SnapshottingDone:
			return t.channels.SendMessage(ctx, ExecutorOperation{
				Kind:       KindSnapshottingDone,
				Connection: t.handle.ID,
				ID:         msg.ID,
			}, m.port)
		}
	default:
		return fmt.Errorf("source %s: unexpected message %T", t.handle, m.msg)
	}
	return nil
}

func (n *SourceNode) commit(ctx context.Context) error {
	epoch := kprocessor.NewEpoch(n.nextEpoch, n.states.Clone(), time.Now())
	for _, t := range n.tasks {
		if err := t.channels.CommitWriters(); err != nil {
			return err
		}
	}
	if err := n.checkpointer.BeginEpoch(ctx, epoch); err != nil {
		return fmt.Errorf("begin epoch %d: %w", epoch.ID, err)
	}
	for _, t := range n.tasks {
		if err := t.channels.Broadcast(ctx, CommitMessage(epoch)); err != nil {
			return err
		}
	}
	n.log.Debug("Epoch committed by sources", "epoch", epoch.ID)
	epochID.Set(float64(epoch.ID))
	n.nextEpoch++
	n.dirty = false
	return nil
}
