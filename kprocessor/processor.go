package kprocessor

import (
	"log/slog"

	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/ktypes"
)

// Forwarder sends derived operations to the edges of an output port.
// Failures are collected by the executor and reported after Process
// returns.
type Forwarder interface {
	Send(op krecordstore.Operation, port PortHandle)
}

// ProcessorBuildContext is everything a factory gets to build a processor.
type ProcessorBuildContext struct {
	InputSchemas  map[PortHandle]ktypes.Schema
	OutputSchemas map[PortHandle]ktypes.Schema
	Store         *krecordstore.Store

	// Checkpoint is the state returned by Serialize at the last complete
	// epoch, or nil.
	Checkpoint []byte

	// OpenStore opens a named state backend owned by the executor.
	OpenStore kstate.StoreFactory

	Logger *slog.Logger
}

// ProcessorFactory declares the ports of a processor and builds it.
type ProcessorFactory interface {
	InputPorts() []PortHandle
	OutputPorts() []OutputPortDef
	OutputSchema(port PortHandle, inputSchemas map[PortHandle]ktypes.Schema) (ktypes.Schema, error)
	Build(ctx ProcessorBuildContext) (Processor, error)
}

// Processor derives operations from its inputs.
type Processor interface {
	Process(fromPort PortHandle, op krecordstore.Operation, fw Forwarder) error

	// Commit is called once all inputs delivered the epoch.
	Commit(epoch Epoch) error

	// Serialize returns the state to persist for the epoch just committed.
	Serialize(store *krecordstore.Store) ([]byte, error)
}
