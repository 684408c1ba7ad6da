package kprocessor

import (
	"context"
	"errors"

	"github.com/birdayz/kflow/ktypes"
)

// ErrStopped is returned by SourceSender.Send once the executor is shutting
// down. Sources should return nil when they see it.
var ErrStopped = errors.New("executor stopped")

// SourceFactory declares the output ports of a source and builds it.
type SourceFactory interface {
	OutputPorts() []OutputPortDef
	OutputSchema(port PortHandle) (ktypes.Schema, error)
	Build(outputSchemas map[PortHandle]ktypes.Schema) (Source, error)
}

// Source produces ingestion messages. Start blocks until the source is
// exhausted, ctx is done, or an error occurs. lastCheckpoint is the position
// of the last committed change, or nil when the source must start over.
type Source interface {
	Start(ctx context.Context, sender SourceSender, lastCheckpoint *ktypes.OpIdentifier) error
}
