// Package processors holds small sinks used by pipelines and tests.
package processors

import (
	"slices"
	"sync"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

// ForEach returns a sink factory calling fn for every operation on the
// default input port.
func ForEach(fn func(port kprocessor.PortHandle, op ktypes.Operation) error) kprocessor.SinkFactory {
	return &forEachFactory{fn: fn}
}

type forEachFactory struct {
	fn func(kprocessor.PortHandle, ktypes.Operation) error
}

func (f *forEachFactory) InputPorts() []kprocessor.PortHandle {
	return []kprocessor.PortHandle{kprocessor.DefaultPortHandle}
}

func (f *forEachFactory) Prepare(map[kprocessor.PortHandle]ktypes.Schema) error {
	return nil
}

func (f *forEachFactory) Build(map[kprocessor.PortHandle]ktypes.Schema) (kprocessor.Sink, error) {
	return &ForEachSink{fn: f.fn}, nil
}

type ForEachSink struct {
	fn func(kprocessor.PortHandle, ktypes.Operation) error
}

func (s *ForEachSink) Process(port kprocessor.PortHandle, op ktypes.Operation) error {
	return s.fn(port, op)
}

func (s *ForEachSink) Commit(kprocessor.Epoch) error                         { return nil }
func (s *ForEachSink) OnSnapshottingStarted(string) error                    { return nil }
func (s *ForEachSink) OnSnapshottingDone(string, *ktypes.OpIdentifier) error { return nil }

// Collector records every operation and epoch it sees. It is safe to read
// while the executor runs.
type Collector struct {
	mu     sync.Mutex
	ops    []ktypes.Operation
	epochs []kprocessor.Epoch
	// committed is the number of ops covered by an epoch.
	committed int
}

// Collect returns a Collector to be used as sink factory.
func Collect() *Collector {
	return &Collector{}
}

func (c *Collector) InputPorts() []kprocessor.PortHandle {
	return []kprocessor.PortHandle{kprocessor.DefaultPortHandle}
}

func (c *Collector) Prepare(map[kprocessor.PortHandle]ktypes.Schema) error {
	return nil
}

func (c *Collector) Build(map[kprocessor.PortHandle]ktypes.Schema) (kprocessor.Sink, error) {
	return &collectorSink{c: c}, nil
}

// Ops returns a copy of the operations received so far.
func (c *Collector) Ops() []ktypes.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ops)
}

// Committed returns the operations received before the last epoch, i.e.
// what a sink that buffers until commit would have written.
func (c *Collector) Committed() []ktypes.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ops[:c.committed])
}

// Epochs returns the committed epochs in commit order.
func (c *Collector) Epochs() []kprocessor.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.epochs)
}

type collectorSink struct {
	c *Collector
}

func (s *collectorSink) Process(_ kprocessor.PortHandle, op ktypes.Operation) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.ops = append(s.c.ops, op)
	return nil
}

func (s *collectorSink) Commit(epoch kprocessor.Epoch) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.epochs = append(s.c.epochs, epoch)
	s.c.committed = len(s.c.ops)
	return nil
}

func (s *collectorSink) OnSnapshottingStarted(string) error                    { return nil }
func (s *collectorSink) OnSnapshottingDone(string, *ktypes.OpIdentifier) error { return nil }

var (
	_ kprocessor.SinkFactory = (*forEachFactory)(nil)
	_ kprocessor.SinkFactory = (*Collector)(nil)
)
