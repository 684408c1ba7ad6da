package checkpoint

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/ktypes"
)

const (
	manifestKey  = "manifest"
	epochsPrefix = "epochs/"
)

func epochPrefix(id uint64) string {
	return fmt.Sprintf("%s%020d/", epochsPrefix, id)
}

func metaKey(id uint64) string    { return epochPrefix(id) + "meta" }
func recordsKey(id uint64) string { return epochPrefix(id) + "records" }
func nodesPrefix(id uint64) string {
	return epochPrefix(id) + "nodes/"
}
func nodeKey(id uint64, node string) string { return nodesPrefix(id) + node }

// SourceStateEntry is the JSON form of one entry of ktypes.SourceStates.
type SourceStateEntry struct {
	Namespace uint16                 `json:"namespace"`
	Source    string                 `json:"source"`
	Kind      ktypes.SourceStateKind `json:"kind"`
	ID        ktypes.OpIdentifier    `json:"id"`
}

// EpochMeta describes one epoch. RecordStoreStart and RecordStoreEnd are
// only set once the epoch is complete.
type EpochMeta struct {
	ID               uint64             `json:"id"`
	RunID            string             `json:"run_id"`
	SourceStates     []SourceStateEntry `json:"source_states"`
	DecisionInstant  time.Time          `json:"decision_instant"`
	RecordStoreStart int                `json:"record_store_start"`
	RecordStoreEnd   int                `json:"record_store_end"`
}

// Manifest points at the last complete epoch.
type Manifest struct {
	LastCompleteEpoch uint64 `json:"last_complete_epoch"`
}

var (
	metaSerde     = kserde.JSON[EpochMeta]()
	manifestSerde = kserde.JSON[Manifest]()
)

func newEpochMeta(runID string, epoch kprocessor.Epoch) EpochMeta {
	meta := EpochMeta{
		ID:              epoch.ID,
		RunID:           runID,
		DecisionInstant: epoch.DecisionInstant,
		SourceStates:    make([]SourceStateEntry, 0, len(epoch.Details)),
	}
	for handle, state := range epoch.Details {
		meta.SourceStates = append(meta.SourceStates, SourceStateEntry{
			Namespace: handle.Namespace,
			Source:    handle.ID,
			Kind:      state.Kind,
			ID:        state.ID,
		})
	}
	slices.SortFunc(meta.SourceStates, func(a, b SourceStateEntry) int {
		if a.Namespace != b.Namespace {
			return int(a.Namespace) - int(b.Namespace)
		}
		return strings.Compare(a.Source, b.Source)
	})
	return meta
}

// Epoch converts the meta back into an epoch.
func (m EpochMeta) Epoch() kprocessor.Epoch {
	details := make(ktypes.SourceStates, len(m.SourceStates))
	for _, e := range m.SourceStates {
		details[ktypes.NodeHandle{Namespace: e.Namespace, ID: e.Source}] = ktypes.SourceState{Kind: e.Kind, ID: e.ID}
	}
	return kprocessor.NewEpoch(m.ID, details, m.DecisionInstant)
}
