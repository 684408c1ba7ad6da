package kprocessor

import (
	"time"

	"github.com/birdayz/kflow/ktypes"
)

// Epoch is a global checkpoint boundary. Details holds the state of every
// source at the instant the epoch was decided.
type Epoch struct {
	ID              uint64
	Details         ktypes.SourceStates
	DecisionInstant time.Time
}

func NewEpoch(id uint64, details ktypes.SourceStates, decisionInstant time.Time) Epoch {
	return Epoch{ID: id, Details: details, DecisionInstant: decisionInstant}
}
