package kprocessor

import (
	"time"
)

// Punctuator is implemented by processors that need to act on time passing
// without input, e.g. to evict expired state. Punctuate runs on every poll
// tick of the processor's receiver loop.
type Punctuator interface {
	Punctuate(now time.Time, fw Forwarder) error
}

// OutputContextProvider is implemented by nodes that attach an opaque value
// to the edges of an output port.
type OutputContextProvider interface {
	OutputContext(port PortHandle) any
}
