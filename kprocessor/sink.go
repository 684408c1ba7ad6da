package kprocessor

import (
	"github.com/birdayz/kflow/ktypes"
)

// SinkFactory declares the input ports of a sink and builds it.
type SinkFactory interface {
	InputPorts() []PortHandle

	// Prepare validates the input schemas before any node is built.
	Prepare(inputSchemas map[PortHandle]ktypes.Schema) error
	Build(inputSchemas map[PortHandle]ktypes.Schema) (Sink, error)
}

// Sink persists operations.
type Sink interface {
	Process(fromPort PortHandle, op ktypes.Operation) error
	Commit(epoch Epoch) error
	OnSnapshottingStarted(connection string) error
	OnSnapshottingDone(connection string, id *ktypes.OpIdentifier) error
}
