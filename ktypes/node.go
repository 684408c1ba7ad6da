package ktypes

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

var ErrInvalidNodeHandle = errors.New("invalid node handle")

// NodeHandle names a node of the DAG. Namespace 0 is used by sources, which
// are shared between pipelines; pipeline nodes are namespaced by pipeline.
type NodeHandle struct {
	Namespace uint16
	ID        string
}

// Validate rejects empty ids and ids containing whitespace.
func (h NodeHandle) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidNodeHandle)
	}
	if strings.ContainsAny(h.ID, " \t\n\r") {
		return fmt.Errorf("%w: id %q cannot contain whitespace", ErrInvalidNodeHandle, h.ID)
	}
	return nil
}

func (h NodeHandle) String() string {
	if h.Namespace == 0 {
		return h.ID
	}
	return strconv.FormatUint(uint64(h.Namespace), 10) + "_" + h.ID
}

// OpIdentifier is a durable position inside a source, e.g. an LSN or an
// offset, used to resume ingestion.
type OpIdentifier struct {
	TxID    uint64
	SeqInTx uint64
}

// SourceStateKind is the restart state of a source at an epoch.
type SourceStateKind uint8

const (
	SourceNotStarted SourceStateKind = iota
	SourceRestartable
	SourceNonRestartable
)

func (k SourceStateKind) String() string {
	switch k {
	case SourceNotStarted:
		return "NotStarted"
	case SourceRestartable:
		return "Restartable"
	case SourceNonRestartable:
		return "NonRestartable"
	default:
		return "Unknown"
	}
}

// SourceState is the restart state of one source. ID is only meaningful
// when Kind is SourceRestartable.
type SourceState struct {
	Kind SourceStateKind
	ID   OpIdentifier
}

func Restartable(id OpIdentifier) SourceState {
	return SourceState{Kind: SourceRestartable, ID: id}
}

func NonRestartable() SourceState {
	return SourceState{Kind: SourceNonRestartable}
}

// ResumePoint returns the identifier to resume from, or nil if the source
// must start over.
func (s SourceState) ResumePoint() *OpIdentifier {
	if s.Kind != SourceRestartable {
		return nil
	}
	id := s.ID
	return &id
}

// SourceStates maps every source to its state.
type SourceStates map[NodeHandle]SourceState

func (s SourceStates) Clone() SourceStates {
	return maps.Clone(s)
}

// Extend copies other into s, overwriting existing entries.
func (s SourceStates) Extend(other SourceStates) {
	maps.Copy(s, other)
}
