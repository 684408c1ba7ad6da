package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
)

var (
	ErrUnknownParticipant = errors.New("checkpoint: unknown participant")
	ErrUnknownEpoch       = errors.New("checkpoint: epoch was not begun")
)

// Checkpointer writes epochs to a Storage. Every participant must Ack an
// epoch before it is complete; the manifest is written last.
//
// A nil *Checkpointer is valid and discards everything.
type Checkpointer struct {
	storage      Storage
	store        *krecordstore.Store
	runID        string
	participants map[string]struct{}
	log          *slog.Logger

	mu sync.Mutex
	// pending holds the acks received for epochs that are not complete.
	pending  map[uint64]map[string]struct{}
	metas    map[uint64]EpochMeta
	storeLen int
	last     *uint64
}

// NewCheckpointer creates a checkpointer for the given participants, which
// are node handle strings of every processor and sink.
func NewCheckpointer(storage Storage, store *krecordstore.Store, runID string, participants []string, log *slog.Logger) *Checkpointer {
	p := make(map[string]struct{}, len(participants))
	for _, name := range participants {
		p[name] = struct{}{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Checkpointer{
		storage:      storage,
		store:        store,
		runID:        runID,
		participants: p,
		log:          log,
		pending:      make(map[uint64]map[string]struct{}),
		metas:        make(map[uint64]EpochMeta),
	}
}

// LastComplete returns the id of the last epoch completed by this
// checkpointer or loaded by Restore.
func (c *Checkpointer) LastComplete() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return 0, false
	}
	return *c.last, true
}

// BeginEpoch persists the epoch metadata. It must return before the commit
// is broadcast.
func (c *Checkpointer) BeginEpoch(ctx context.Context, epoch kprocessor.Epoch) error {
	if c == nil {
		return nil
	}
	meta := newEpochMeta(c.runID, epoch)
	b, err := metaSerde.Serializer(meta)
	if err != nil {
		return err
	}
	if err := c.storage.Put(ctx, metaKey(epoch.ID), b); err != nil {
		return fmt.Errorf("epoch %d meta: %w", epoch.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metas[epoch.ID] = meta
	c.pending[epoch.ID] = make(map[string]struct{}, len(c.participants))
	c.log.Debug("Epoch started", "epoch", epoch.ID)
	if len(c.participants) == 0 {
		return c.completeLocked(ctx, epoch.ID)
	}
	return nil
}

// Ack records that node has committed the epoch. state is stored if not
// nil.
func (c *Checkpointer) Ack(ctx context.Context, epochID uint64, node string, state []byte) error {
	if c == nil {
		return nil
	}
	if _, ok := c.participants[node]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, node)
	}
	if state != nil {
		if err := c.storage.Put(ctx, nodeKey(epochID, node), state); err != nil {
			return fmt.Errorf("epoch %d node %s: %w", epochID, node, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	acks, ok := c.pending[epochID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEpoch, epochID)
	}
	acks[node] = struct{}{}
	if len(acks) < len(c.participants) {
		return nil
	}
	return c.completeLocked(ctx, epochID)
}

func (c *Checkpointer) completeLocked(ctx context.Context, epochID uint64) error {
	records, n, err := c.store.SerializeSlice(c.storeLen)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", epochID, err)
	}
	if err := c.storage.Put(ctx, recordsKey(epochID), records); err != nil {
		return fmt.Errorf("epoch %d records: %w", epochID, err)
	}

	meta := c.metas[epochID]
	meta.RecordStoreStart = c.storeLen
	meta.RecordStoreEnd = c.storeLen + n
	b, err := metaSerde.Serializer(meta)
	if err != nil {
		return err
	}
	if err := c.storage.Put(ctx, metaKey(epochID), b); err != nil {
		return fmt.Errorf("epoch %d meta: %w", epochID, err)
	}

	b, err = manifestSerde.Serializer(Manifest{LastCompleteEpoch: epochID})
	if err != nil {
		return err
	}
	if err := c.storage.Put(ctx, manifestKey, b); err != nil {
		return fmt.Errorf("epoch %d manifest: %w", epochID, err)
	}

	prev := c.last
	c.storeLen = meta.RecordStoreEnd
	c.last = &epochID
	delete(c.pending, epochID)
	delete(c.metas, epochID)
	c.log.Debug("Epoch complete", "epoch", epochID, "records", n)

	if prev != nil {
		c.pruneLocked(ctx, *prev)
	}
	return nil
}

// pruneLocked drops the node states of a superseded epoch. Record slices
// are kept: restore replays all of them.
func (c *Checkpointer) pruneLocked(ctx context.Context, epochID uint64) {
	keys, err := c.storage.List(ctx, nodesPrefix(epochID))
	if err != nil {
		c.log.Warn("Failed to list superseded epoch", "epoch", epochID, "error", err)
		return
	}
	for _, key := range keys {
		if err := c.storage.Delete(ctx, key); err != nil {
			c.log.Warn("Failed to prune superseded epoch", "epoch", epochID, "key", key, "error", err)
		}
	}
}

// Restored is the state of the last complete epoch.
type Restored struct {
	Epoch      kprocessor.Epoch
	RunID      string
	NodeStates map[string][]byte
}

// NextEpochID is the id the resumed run starts with.
func (r *Restored) NextEpochID() uint64 {
	if r == nil {
		return 0
	}
	return r.Epoch.ID + 1
}

// ResumePoint returns where source should resume, or nil if it has to
// start over.
func (r *Restored) ResumePoint(source ktypes.NodeHandle) *ktypes.OpIdentifier {
	if r == nil {
		return nil
	}
	state, ok := r.Epoch.Details[source]
	if !ok {
		return nil
	}
	return state.ResumePoint()
}

// NodeState returns the state node serialized at the restored epoch.
func (r *Restored) NodeState(node string) []byte {
	if r == nil {
		return nil
	}
	return r.NodeStates[node]
}

// Restore loads the last complete epoch and replays its record store slices
// into the checkpointer's store, which must be empty. It returns nil if no
// epoch was ever completed.
func (c *Checkpointer) Restore(ctx context.Context) (*Restored, error) {
	if c == nil {
		return nil, nil
	}
	b, err := c.storage.Get(ctx, manifestKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	manifest, err := manifestSerde.Deserializer(b)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	last := manifest.LastCompleteEpoch

	meta, err := c.loadMeta(ctx, last)
	if err != nil {
		return nil, err
	}

	for id := uint64(0); id <= last; id++ {
		if err := c.replaySlice(ctx, id); err != nil {
			return nil, err
		}
	}
	if got := c.store.NumRefs(); got != meta.RecordStoreEnd {
		return nil, fmt.Errorf("%w: epoch %d expects %d records, restored %d", ErrCorrupt, last, meta.RecordStoreEnd, got)
	}

	prefix := nodesPrefix(last)
	keys, err := c.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	states := make(map[string][]byte, len(keys))
	for _, key := range keys {
		state, err := c.storage.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", last, err)
		}
		states[strings.TrimPrefix(key, prefix)] = state
	}

	c.mu.Lock()
	c.storeLen = meta.RecordStoreEnd
	c.last = &last
	c.mu.Unlock()

	c.log.Info("Restored checkpoint", "epoch", last, "run_id", meta.RunID, "records", meta.RecordStoreEnd, "nodes", len(states))
	return &Restored{
		Epoch:      meta.Epoch(),
		RunID:      meta.RunID,
		NodeStates: states,
	}, nil
}

func (c *Checkpointer) loadMeta(ctx context.Context, id uint64) (EpochMeta, error) {
	b, err := c.storage.Get(ctx, metaKey(id))
	if err != nil {
		return EpochMeta{}, fmt.Errorf("epoch %d meta: %w", id, err)
	}
	meta, err := metaSerde.Deserializer(b)
	if err != nil {
		return EpochMeta{}, fmt.Errorf("epoch %d meta: %w", id, err)
	}
	return meta, nil
}

func (c *Checkpointer) replaySlice(ctx context.Context, id uint64) error {
	b, err := c.storage.Get(ctx, recordsKey(id))
	if err != nil {
		return fmt.Errorf("epoch %d records: %w", id, err)
	}
	if err := c.store.DeserializeAndExtend(b); err != nil {
		return fmt.Errorf("epoch %d records: %w", id, err)
	}
	return nil
}
