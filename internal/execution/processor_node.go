package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/birdayz/kflow/internal/checkpoint"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/ktypes"
	"github.com/prometheus/client_golang/prometheus"
)

// ProcessorNode runs one processor behind a receiver loop.
type ProcessorNode struct {
	handle       ktypes.NodeHandle
	processor    kprocessor.Processor
	inputs       []input
	channels     *ChannelManager
	store        *krecordstore.Store
	checkpointer *checkpoint.Checkpointer
	errors       *ErrorManager
	pollTimeout  time.Duration
	log          *slog.Logger
	errCount     prometheus.Counter
}

func (n *ProcessorNode) Run(ctx context.Context) error {
	n.channels.bind(ctx)
	return receiverLoop(ctx, n.handle, n.inputs, n.pollTimeout, n)
}

func (n *ProcessorNode) onOp(ctx context.Context, port kprocessor.PortHandle, op ExecutorOperation) error {
	err := n.processor.Process(port, op.Op, n.channels)
	return n.afterProcess(ctx, err, StageProcessing)
}

// afterProcess reports the error of a Process or Punctuate call. Forward
// errors come from record writers or closed edges and, like storage errors,
// are fatal instead of counted.
func (n *ProcessorNode) afterProcess(ctx context.Context, err error, stage ProcessingStage) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errs := n.channels.drainErrors(); len(errs) > 0 {
		return NewProcessingError(errors.Join(errs...), StageForward, n.handle)
	}
	if err == nil {
		return nil
	}
	n.errCount.Inc()
	if errors.Is(err, kstate.ErrStorage) {
		return NewProcessingError(err, stage, n.handle)
	}
	return n.errors.Report(NewProcessingError(err, stage, n.handle))
}

func (n *ProcessorNode) onCommit(ctx context.Context, epoch kprocessor.Epoch) error {
	if err := n.processor.Commit(epoch); err != nil {
		return NewProcessingError(err, StageCommit, n.handle)
	}
	if err := n.channels.CommitWriters(); err != nil {
		return NewProcessingError(err, StageCommit, n.handle)
	}
	state, err := n.processor.Serialize(n.store)
	if err != nil {
		return NewProcessingError(fmt.Errorf("serialize: %w", err), StageCommit, n.handle)
	}
	if err := n.checkpointer.Ack(ctx, epoch.ID, n.handle.String(), state); err != nil {
		return fmt.Errorf("node %s: epoch %d: %w", n.handle, epoch.ID, err)
	}
	n.log.Debug("Committed epoch", "epoch", epoch.ID)
	return n.channels.Broadcast(ctx, CommitMessage(epoch))
}

func (n *ProcessorNode) onTerminate(ctx context.Context) error {
	if err := n.channels.CommitWriters(); err != nil {
		return NewProcessingError(err, StageCommit, n.handle)
	}
	n.log.Debug("Terminating")
	return n.channels.Broadcast(ctx, TerminateMessage())
}

func (n *ProcessorNode) onPoll(ctx context.Context, now time.Time) error {
	p, ok := n.processor.(kprocessor.Punctuator)
	if !ok {
		return nil
	}
	return n.afterProcess(ctx, p.Punctuate(now, n.channels), StagePunctuate)
}

func (n *ProcessorNode) onSnapshottingStarted(ctx context.Context, connection string) error {
	return n.channels.Broadcast(ctx, ExecutorOperation{Kind: KindSnapshottingStarted, Connection: connection})
}

func (n *ProcessorNode) onSnapshottingDone(ctx context.Context, connection string, id *ktypes.OpIdentifier) error {
	return n.channels.Broadcast(ctx, ExecutorOperation{Kind: KindSnapshottingDone, Connection: connection, ID: id})
}
