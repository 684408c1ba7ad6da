package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

type recordingReceiver struct {
	events     []string
	epochs     []kprocessor.Epoch
	terminated bool
	polls      int
}

func (r *recordingReceiver) onOp(_ context.Context, port kprocessor.PortHandle, _ ExecutorOperation) error {
	r.events = append(r.events, "op:"+port.String())
	return nil
}

func (r *recordingReceiver) onCommit(_ context.Context, epoch kprocessor.Epoch) error {
	r.events = append(r.events, "commit")
	r.epochs = append(r.epochs, epoch)
	return nil
}

func (r *recordingReceiver) onTerminate(context.Context) error {
	r.terminated = true
	return nil
}

func (r *recordingReceiver) onPoll(context.Context, time.Time) error {
	r.polls++
	return nil
}

func (r *recordingReceiver) onSnapshottingStarted(_ context.Context, connection string) error {
	r.events = append(r.events, "snapshot:"+connection)
	return nil
}

func (r *recordingReceiver) onSnapshottingDone(_ context.Context, connection string, _ *ktypes.OpIdentifier) error {
	r.events = append(r.events, "snapshot-done:"+connection)
	return nil
}

var testNode = ktypes.NodeHandle{Namespace: 1, ID: "test"}

func twoInputs() ([]chan ExecutorOperation, []input) {
	chs := []chan ExecutorOperation{make(chan ExecutorOperation, 10), make(chan ExecutorOperation, 10)}
	return chs, []input{
		{port: 0, from: ktypes.NodeHandle{ID: "left"}, ch: chs[0]},
		{port: 1, from: ktypes.NodeHandle{ID: "right"}, ch: chs[1]},
	}
}

func epochAt(id uint64, source string) kprocessor.Epoch {
	return kprocessor.NewEpoch(id, ktypes.SourceStates{
		{ID: source}: ktypes.Restartable(ktypes.OpIdentifier{TxID: id}),
	}, time.Unix(int64(id), 0))
}

func TestReceiverLoopCommitBarrier(t *testing.T) {
	chs, inputs := twoInputs()

	// The second op on the left arrives after the left commit and must wait
	// for the barrier.
	chs[0] <- CommitMessage(epochAt(0, "left"))
	chs[0] <- ExecutorOperation{Kind: KindOp}
	chs[1] <- ExecutorOperation{Kind: KindOp}
	chs[1] <- ExecutorOperation{Kind: KindSnapshottingStarted, Connection: "pg"}
	chs[1] <- CommitMessage(epochAt(0, "right"))
	chs[0] <- TerminateMessage()
	chs[1] <- TerminateMessage()

	r := &recordingReceiver{}
	err := receiverLoop(context.Background(), testNode, inputs, time.Hour, r)
	assert.NoError(t, err)

	assert.Equal(t, []string{"op:1", "snapshot:pg", "commit", "op:0"}, r.events)
	assert.Equal(t, 1, len(r.epochs))
	assert.Equal(t, 2, len(r.epochs[0].Details))
	assert.True(t, r.terminated)
}

func TestReceiverLoopErrors(t *testing.T) {
	t.Run("epoch mismatch", func(t *testing.T) {
		chs, inputs := twoInputs()
		chs[0] <- CommitMessage(epochAt(0, "left"))
		chs[1] <- CommitMessage(epochAt(1, "right"))

		err := receiverLoop(context.Background(), testNode, inputs, time.Hour, &recordingReceiver{})
		assert.True(t, errors.Is(err, ErrEpochMismatch))
	})

	t.Run("epoch not increasing", func(t *testing.T) {
		chs, inputs := twoInputs()
		chs[0] <- CommitMessage(epochAt(3, "left"))
		chs[1] <- CommitMessage(epochAt(3, "right"))
		chs[0] <- CommitMessage(epochAt(2, "left"))
		chs[1] <- CommitMessage(epochAt(2, "right"))

		r := &recordingReceiver{}
		err := receiverLoop(context.Background(), testNode, inputs, time.Hour, r)
		assert.True(t, errors.Is(err, ErrEpochNotIncreasing))
		assert.Equal(t, 1, len(r.epochs))
	})

	t.Run("disconnected", func(t *testing.T) {
		chs, inputs := twoInputs()
		close(chs[1])

		err := receiverLoop(context.Background(), testNode, inputs, time.Hour, &recordingReceiver{})
		assert.True(t, errors.Is(err, ErrChannelDisconnected))
	})

	t.Run("cancelled", func(t *testing.T) {
		_, inputs := twoInputs()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := receiverLoop(ctx, testNode, inputs, time.Hour, &recordingReceiver{})
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestReceiverLoopTerminatedInputLeavesBarrier(t *testing.T) {
	chs, inputs := twoInputs()
	chs[1] <- TerminateMessage()
	chs[0] <- CommitMessage(epochAt(0, "left"))
	chs[0] <- CommitMessage(epochAt(1, "left"))
	chs[0] <- TerminateMessage()

	r := &recordingReceiver{}
	assert.NoError(t, receiverLoop(context.Background(), testNode, inputs, time.Hour, r))
	assert.Equal(t, 2, len(r.epochs))
	assert.Equal(t, uint64(1), r.epochs[1].ID)
	assert.True(t, r.terminated)
}

func TestReceiverLoopPolls(t *testing.T) {
	chs, inputs := twoInputs()
	go func() {
		time.Sleep(50 * time.Millisecond)
		chs[0] <- TerminateMessage()
		chs[1] <- TerminateMessage()
	}()

	r := &recordingReceiver{}
	assert.NoError(t, receiverLoop(context.Background(), testNode, inputs, 5*time.Millisecond, r))
	assert.True(t, r.polls > 0)
}
