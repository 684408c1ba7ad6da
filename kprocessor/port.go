// Package kprocessor defines the contracts between the executor and the
// sources, processors and sinks of a dataflow.
package kprocessor

import (
	"errors"
	"fmt"

	"github.com/birdayz/kflow/ktypes"
)

// ErrUnknownPort is returned when an op is sent to a port the node did not
// declare.
var ErrUnknownPort = errors.New("unknown port")

// PortHandle identifies an input or output port of a node.
type PortHandle uint16

// DefaultPortHandle is used by nodes with a single input or output.
const DefaultPortHandle PortHandle = 0xffff

func (p PortHandle) String() string {
	if p == DefaultPortHandle {
		return "default"
	}
	return fmt.Sprintf("%d", uint16(p))
}

// RowKeyField is the field appended to the schema of AutogenRowKeyLookup
// ports.
const RowKeyField = "__row_key"

// OutputPortType decides whether records leaving a port are persisted and
// how downstream nodes may look them up.
type OutputPortType uint8

const (
	Stateless OutputPortType = iota
	StatefulWithPrimaryKeyLookup
	AutogenRowKeyLookup
)

func (t OutputPortType) String() string {
	switch t {
	case Stateless:
		return "Stateless"
	case StatefulWithPrimaryKeyLookup:
		return "StatefulWithPrimaryKeyLookup"
	case AutogenRowKeyLookup:
		return "AutogenRowKeyLookup"
	default:
		return "Unknown"
	}
}

// IsStateful reports whether the port needs a record writer.
func (t OutputPortType) IsStateful() bool {
	return t != Stateless
}

// PrepareSchema returns the schema records have once they leave a port of
// this type. AutogenRowKeyLookup adds a row key that becomes the sole
// primary key.
func (t OutputPortType) PrepareSchema(schema ktypes.Schema) ktypes.Schema {
	if t != AutogenRowKeyLookup {
		return schema
	}
	out := schema.Clone()
	out.PrimaryIndex = nil
	out.Field(ktypes.FieldDefinition{
		Name: RowKeyField,
		Typ:  ktypes.KindUInt,
	}, true)
	return out
}

// OutputPortDef declares an output port.
type OutputPortDef struct {
	Handle PortHandle
	Typ    OutputPortType
}

func NewOutputPortDef(handle PortHandle, typ OutputPortType) OutputPortDef {
	return OutputPortDef{Handle: handle, Typ: typ}
}
