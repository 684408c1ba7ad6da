package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
)

var (
	pg     = ktypes.NodeHandle{ID: "pg"}
	events = ktypes.NodeHandle{ID: "events"}
)

func testEpoch(id uint64) kprocessor.Epoch {
	return kprocessor.NewEpoch(id, ktypes.SourceStates{
		pg:     ktypes.Restartable(ktypes.OpIdentifier{TxID: id + 10, SeqInTx: 1}),
		events: ktypes.NonRestartable(),
	}, time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC))
}

func TestEpochMetaRoundTrip(t *testing.T) {
	epoch := testEpoch(3)
	meta := newEpochMeta("run", epoch)

	assert.Equal(t, "events", meta.SourceStates[0].Source)
	assert.Equal(t, "pg", meta.SourceStates[1].Source)

	b, err := metaSerde.Serializer(meta)
	assert.NoError(t, err)
	decoded, err := metaSerde.Deserializer(b)
	assert.NoError(t, err)
	assert.Equal(t, epoch, decoded.Epoch())
}

func TestCheckpointer(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())
	store := krecordstore.NewStore()
	participants := []string{"1_join", "1_sink"}
	cp := NewCheckpointer(storage, store, "run-1", participants, nil)

	rec := store.CreateRecord(ktypes.NewRecord(ktypes.NewInt(1), ktypes.NewString("a")))
	state, err := store.SerializeRecord(rec)
	assert.NoError(t, err)

	assert.NoError(t, cp.BeginEpoch(ctx, testEpoch(0)))

	t.Run("incomplete epoch has no manifest", func(t *testing.T) {
		assert.NoError(t, cp.Ack(ctx, 0, "1_join", state))
		_, ok := cp.LastComplete()
		assert.False(t, ok)
		_, err := storage.Get(ctx, manifestKey)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("last ack completes", func(t *testing.T) {
		assert.NoError(t, cp.Ack(ctx, 0, "1_sink", nil))
		last, ok := cp.LastComplete()
		assert.True(t, ok)
		assert.Equal(t, uint64(0), last)

		meta, err := cp.loadMeta(ctx, 0)
		assert.NoError(t, err)
		assert.Equal(t, 0, meta.RecordStoreStart)
		assert.Equal(t, 1, meta.RecordStoreEnd)
		assert.Equal(t, "run-1", meta.RunID)
	})

	rec2 := store.CreateRecord(ktypes.NewRecord(ktypes.NewInt(2), ktypes.NewString("b")))
	joined := rec.Clone()
	joined.Extend(rec2)
	state2, err := store.SerializeRecord(joined)
	assert.NoError(t, err)

	assert.NoError(t, cp.BeginEpoch(ctx, testEpoch(1)))
	assert.NoError(t, cp.Ack(ctx, 1, "1_join", state2))
	assert.NoError(t, cp.Ack(ctx, 1, "1_sink", nil))

	t.Run("superseded node state is pruned", func(t *testing.T) {
		keys, err := storage.List(ctx, nodesPrefix(0))
		assert.NoError(t, err)
		assert.Equal(t, 0, len(keys))
		_, err = storage.Get(ctx, recordsKey(0))
		assert.NoError(t, err)
	})

	t.Run("errors", func(t *testing.T) {
		err := cp.Ack(ctx, 1, "1_other", nil)
		assert.True(t, errors.Is(err, ErrUnknownParticipant))
		err = cp.Ack(ctx, 7, "1_join", nil)
		assert.True(t, errors.Is(err, ErrUnknownEpoch))
	})

	t.Run("restore", func(t *testing.T) {
		restoredStore := krecordstore.NewStore()
		restorer := NewCheckpointer(storage, restoredStore, "run-2", participants, nil)
		restored, err := restorer.Restore(ctx)
		assert.NoError(t, err)

		assert.Equal(t, uint64(2), restored.NextEpochID())
		assert.Equal(t, "run-1", restored.RunID)
		assert.Equal(t, &ktypes.OpIdentifier{TxID: 11, SeqInTx: 1}, restored.ResumePoint(pg))
		assert.Zero(t, restored.ResumePoint(events))
		assert.Zero(t, restored.ResumePoint(ktypes.NodeHandle{ID: "unknown"}))
		assert.Zero(t, restored.NodeState("1_sink"))
		assert.Equal(t, 2, restoredStore.NumRefs())

		decoded, err := restoredStore.DeserializeRecord(restored.NodeState("1_join"))
		assert.NoError(t, err)
		assert.True(t, store.LoadRecord(joined).Equal(restoredStore.LoadRecord(decoded)))

		last, ok := restorer.LastComplete()
		assert.True(t, ok)
		assert.Equal(t, uint64(1), last)

		t.Run("continues with the next slice", func(t *testing.T) {
			restoredStore.CreateRecord(ktypes.NewRecord(ktypes.NewInt(3)))
			assert.NoError(t, restorer.BeginEpoch(ctx, testEpoch(2)))
			assert.NoError(t, restorer.Ack(ctx, 2, "1_join", nil))
			assert.NoError(t, restorer.Ack(ctx, 2, "1_sink", nil))

			meta, err := restorer.loadMeta(ctx, 2)
			assert.NoError(t, err)
			assert.Equal(t, 2, meta.RecordStoreStart)
			assert.Equal(t, 3, meta.RecordStoreEnd)
		})
	})
}

func TestRestoreWithoutCheckpoint(t *testing.T) {
	cp := NewCheckpointer(NewLocalStorage(t.TempDir()), krecordstore.NewStore(), "run", nil, nil)
	restored, err := cp.Restore(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, restored)
	assert.Equal(t, uint64(0), restored.NextEpochID())
}

func TestRestoreDetectsMissingSlice(t *testing.T) {
	ctx := context.Background()
	storage := NewLocalStorage(t.TempDir())
	store := krecordstore.NewStore()
	cp := NewCheckpointer(storage, store, "run", nil, nil)

	store.CreateRecord(ktypes.NewRecord(ktypes.NewInt(1)))
	assert.NoError(t, cp.BeginEpoch(ctx, testEpoch(0)))
	store.CreateRecord(ktypes.NewRecord(ktypes.NewInt(2)))
	assert.NoError(t, cp.BeginEpoch(ctx, testEpoch(1)))
	assert.NoError(t, storage.Delete(ctx, recordsKey(0)))

	_, err := NewCheckpointer(storage, krecordstore.NewStore(), "run", nil, nil).Restore(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNilCheckpointer(t *testing.T) {
	var cp *Checkpointer
	ctx := context.Background()
	assert.NoError(t, cp.BeginEpoch(ctx, testEpoch(0)))
	assert.NoError(t, cp.Ack(ctx, 0, "x", []byte("state")))
	restored, err := cp.Restore(ctx)
	assert.NoError(t, err)
	assert.Zero(t, restored)
}
