package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/birdayz/kflow/internal/checkpoint"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
	"github.com/prometheus/client_golang/prometheus"
)

// SinkNode runs one sink behind a receiver loop.
type SinkNode struct {
	handle       ktypes.NodeHandle
	sink         kprocessor.Sink
	inputs       []input
	store        *krecordstore.Store
	checkpointer *checkpoint.Checkpointer
	errors       *ErrorManager
	pollTimeout  time.Duration
	log          *slog.Logger
	errCount     prometheus.Counter
}

func (n *SinkNode) Run(ctx context.Context) error {
	return receiverLoop(ctx, n.handle, n.inputs, n.pollTimeout, n)
}

func (n *SinkNode) onOp(_ context.Context, port kprocessor.PortHandle, op ExecutorOperation) error {
	if err := n.sink.Process(port, n.store.LoadOperation(op.Op)); err != nil {
		n.errCount.Inc()
		return n.errors.Report(NewProcessingError(err, StageSink, n.handle))
	}
	return nil
}

func (n *SinkNode) onCommit(ctx context.Context, epoch kprocessor.Epoch) error {
	if err := n.sink.Commit(epoch); err != nil {
		return NewProcessingError(err, StageCommit, n.handle)
	}
	if err := n.checkpointer.Ack(ctx, epoch.ID, n.handle.String(), nil); err != nil {
		return fmt.Errorf("node %s: epoch %d: %w", n.handle, epoch.ID, err)
	}
	n.log.Debug("Committed epoch", "epoch", epoch.ID)
	return nil
}

func (n *SinkNode) onTerminate(context.Context) error {
	n.log.Debug("Terminating")
	return nil
}

func (n *SinkNode) onPoll(context.Context, time.Time) error {
	return nil
}

func (n *SinkNode) onSnapshottingStarted(_ context.Context, connection string) error {
	return n.sink.OnSnapshottingStarted(connection)
}

func (n *SinkNode) onSnapshottingDone(_ context.Context, connection string, id *ktypes.OpIdentifier) error {
	return n.sink.OnSnapshottingDone(connection, id)
}
