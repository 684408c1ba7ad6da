package kdag

import (
	"errors"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

// MustAddSource is like AddSource but panics on error.
func (d *Dag) MustAddSource(handle ktypes.NodeHandle, f kprocessor.SourceFactory) NodeIndex {
	return mustIndex(d.AddSource(handle, f))
}

// MustAddProcessor is like AddProcessor but panics on error.
func (d *Dag) MustAddProcessor(handle ktypes.NodeHandle, f kprocessor.ProcessorFactory) NodeIndex {
	return mustIndex(d.AddProcessor(handle, f))
}

// MustAddSink is like AddSink but panics on error.
func (d *Dag) MustAddSink(handle ktypes.NodeHandle, f kprocessor.SinkFactory) NodeIndex {
	return mustIndex(d.AddSink(handle, f))
}

// MustConnect is like Connect but panics on error.
func (d *Dag) MustConnect(from, to Endpoint) {
	must(d.Connect(from, to))
}

func mustIndex(idx NodeIndex, err error) NodeIndex {
	must(err)
	return idx
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Sentinel errors for common failure cases.
var (
	ErrNodeAlreadyExists = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrPortNotFound      = errors.New("port not found")
	ErrCycleDetected     = errors.New("cycle detected in DAG")
	ErrOrphanedNodes     = errors.New("orphaned nodes found")
	ErrInvalidTopology   = errors.New("invalid topology")

	ErrMissingInput   = errors.New("missing input")
	ErrDuplicateInput = errors.New("duplicate input")

	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrSourceNotFound      = errors.New("source not found")
	ErrAmbiguousSource     = errors.New("ambiguous source")
	ErrDuplicateName       = errors.New("duplicate node name")
	ErrNodeNameNotFound    = errors.New("node name not found")
)
