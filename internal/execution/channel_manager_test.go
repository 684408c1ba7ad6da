package execution

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/kstate/pebble"
	"github.com/birdayz/kflow/ktypes"
)

func TestChannelManagerFansOut(t *testing.T) {
	store := krecordstore.NewStore()
	cm := newChannelManager(testNode, store)
	a, b := make(chan ExecutorOperation, 1), make(chan ExecutorOperation, 1)
	cm.addEdge(kprocessor.DefaultPortHandle, ktypes.NodeHandle{ID: "a"}, a)
	cm.addEdge(kprocessor.DefaultPortHandle, ktypes.NodeHandle{ID: "b"}, b)

	op := store.CreateOperation(ktypes.Insert(ktypes.NewRecord(ktypes.NewInt(1))))
	cm.Send(op, kprocessor.DefaultPortHandle)
	assert.Equal(t, 0, len(cm.drainErrors()))

	for _, ch := range []chan ExecutorOperation{a, b} {
		got := <-ch
		assert.Equal(t, KindOp, got.Kind)
		assert.True(t, got.Op.New.Refs[0] == op.New.Refs[0])
	}

	t.Run("unknown port is collected", func(t *testing.T) {
		cm.Send(op, 7)
		errs := cm.drainErrors()
		assert.Equal(t, 1, len(errs))
		assert.True(t, errors.Is(errs[0], kprocessor.ErrUnknownPort))
		assert.Equal(t, 0, len(cm.drainErrors()))
	})
}

func TestChannelManagerBackpressure(t *testing.T) {
	store := krecordstore.NewStore()
	cm := newChannelManager(testNode, store)
	ch := make(chan ExecutorOperation, 1)
	cm.addEdge(kprocessor.DefaultPortHandle, ktypes.NodeHandle{ID: "slow"}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, cm.SendMessage(ctx, CommitMessage(epochAt(0, "pg")), kprocessor.DefaultPortHandle))

	done := make(chan error, 1)
	go func() {
		done <- cm.SendMessage(ctx, CommitMessage(epochAt(1, "pg")), kprocessor.DefaultPortHandle)
	}()

	t.Run("blocks until the consumer catches up", func(t *testing.T) {
		assert.Equal(t, uint64(0), (<-ch).Epoch.ID)
		assert.NoError(t, <-done)
		assert.Equal(t, uint64(1), (<-ch).Epoch.ID)
	})

	t.Run("gives up when cancelled", func(t *testing.T) {
		assert.NoError(t, cm.SendMessage(ctx, TerminateMessage(), kprocessor.DefaultPortHandle))
		cancel()
		err := cm.SendMessage(ctx, TerminateMessage(), kprocessor.DefaultPortHandle)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestChannelManagerWriter(t *testing.T) {
	backend, err := pebble.NewInMemoryStoreBackend()("writer")
	assert.NoError(t, err)
	defer backend.Close()
	w, err := kstate.NewAutogenRowKeyLookupRecordWriter(backend)
	assert.NoError(t, err)

	store := krecordstore.NewStore()
	cm := newChannelManager(testNode, store)
	ch := make(chan ExecutorOperation, 2)
	cm.addEdge(kprocessor.DefaultPortHandle, ktypes.NodeHandle{ID: "sink"}, ch)
	cm.setWriter(kprocessor.DefaultPortHandle, w)

	insert := store.CreateOperation(ktypes.Insert(ktypes.NewRecord(ktypes.NewString("milan"))))
	assert.NoError(t, cm.SendOp(context.Background(), insert, kprocessor.DefaultPortHandle))
	assert.NoError(t, cm.SendOp(context.Background(), insert, kprocessor.DefaultPortHandle))
	assert.NoError(t, cm.CommitWriters())

	for _, want := range []uint64{1, 2} {
		got := store.LoadOperation((<-ch).Op)
		assert.Equal(t, ktypes.NewRecord(ktypes.NewString("milan"), ktypes.NewUInt(want)), got.New)
	}

	t.Run("rejected ops are not forwarded", func(t *testing.T) {
		del := store.CreateOperation(ktypes.Delete(ktypes.NewRecord(ktypes.NewString("milan"))))
		err := cm.SendOp(context.Background(), del, kprocessor.DefaultPortHandle)
		assert.True(t, errors.Is(err, kstate.ErrNoPrimaryKey))
		assert.Equal(t, 0, len(ch))
	})
}

func TestErrorManager(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	boom := errors.New("boom")

	t.Run("threshold", func(t *testing.T) {
		m := NewThresholdErrorManager(3, log)
		assert.NoError(t, m.Report(boom))
		assert.NoError(t, m.Report(boom))
		err := m.Report(boom)
		assert.True(t, errors.Is(err, ErrThresholdExceeded))
		assert.True(t, errors.Is(err, boom))
		assert.Equal(t, int64(3), m.Count())
	})

	t.Run("zero threshold fails on the first error", func(t *testing.T) {
		m := NewThresholdErrorManager(0, log)
		assert.True(t, errors.Is(m.Report(boom), ErrThresholdExceeded))
	})

	t.Run("unlimited", func(t *testing.T) {
		m := NewUnlimitedErrorManager(log)
		for range 100 {
			assert.NoError(t, m.Report(boom))
		}
	})

	t.Run("processing error", func(t *testing.T) {
		err := NewProcessingError(boom, StageSink, testNode)
		assert.Equal(t, "sink error in node 1_test: boom", err.Error())
		assert.True(t, errors.Is(err, boom))
	})
}
