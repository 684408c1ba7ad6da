// Package generator provides a source replaying a fixed list of ingestion
// messages. It is used by tests and demo pipelines.
package generator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

// ErrUnknownCheckpoint is returned when the resume position is not one of
// the generator's identifiers.
var ErrUnknownCheckpoint = errors.New("generator: unknown checkpoint")

// Message is one ingestion message and the port it is sent on.
type Message struct {
	Port kprocessor.PortHandle
	Msg  kprocessor.IngestionMessage
}

func (m Message) id() *ktypes.OpIdentifier {
	switch msg := m.Msg.(type) {
	case kprocessor.OperationEvent:
		return msg.ID
	case kprocessor.TransactionInfo:
		return msg.ID
	}
	return nil
}

// Transaction returns ops as events of transaction txID on port, followed by
// a commit. Events are numbered from 0; the commit takes the next number.
func Transaction(port kprocessor.PortHandle, txID uint64, ops ...ktypes.Operation) []Message {
	out := make([]Message, 0, len(ops)+1)
	for i, op := range ops {
		out = append(out, Message{Port: port, Msg: kprocessor.OperationEvent{
			Op: op,
			ID: &ktypes.OpIdentifier{TxID: txID, SeqInTx: uint64(i)},
		}})
	}
	return append(out, Message{Port: port, Msg: kprocessor.CommitAt(&ktypes.OpIdentifier{TxID: txID, SeqInTx: uint64(len(ops))})})
}

type Option func(*SourceFactory)

// WithDelay waits d before sending each message.
var WithDelay = func(d time.Duration) Option {
	return func(f *SourceFactory) {
		f.delay = d
	}
}

// WithHold keeps the source open after the last message until ctx is done.
var WithHold = func() Option {
	return func(f *SourceFactory) {
		f.hold = true
	}
}

// SourceFactory builds generator sources.
type SourceFactory struct {
	schemas  map[kprocessor.PortHandle]ktypes.Schema
	ports    []kprocessor.PortHandle
	messages []Message
	delay    time.Duration
	hold     bool
}

// NewSourceFactory returns a factory with one Stateless output port per
// schema. Every message must target one of these ports.
func NewSourceFactory(schemas map[kprocessor.PortHandle]ktypes.Schema, messages []Message, opts ...Option) *SourceFactory {
	f := &SourceFactory{
		schemas:  schemas,
		messages: messages,
	}
	for port := range schemas {
		f.ports = append(f.ports, port)
	}
	slices.Sort(f.ports)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *SourceFactory) OutputPorts() []kprocessor.OutputPortDef {
	defs := make([]kprocessor.OutputPortDef, 0, len(f.ports))
	for _, port := range f.ports {
		defs = append(defs, kprocessor.NewOutputPortDef(port, kprocessor.Stateless))
	}
	return defs
}

func (f *SourceFactory) OutputSchema(port kprocessor.PortHandle) (ktypes.Schema, error) {
	s, ok := f.schemas[port]
	if !ok {
		return ktypes.Schema{}, fmt.Errorf("%w: %s", kprocessor.ErrUnknownPort, port)
	}
	return s, nil
}

func (f *SourceFactory) Build(map[kprocessor.PortHandle]ktypes.Schema) (kprocessor.Source, error) {
	for i, m := range f.messages {
		if _, ok := f.schemas[m.Port]; !ok {
			return nil, fmt.Errorf("message %d: %w: %s", i, kprocessor.ErrUnknownPort, m.Port)
		}
	}
	return &Source{messages: f.messages, delay: f.delay, hold: f.hold}, nil
}

// Source sends its messages in order.
type Source struct {
	messages []Message
	delay    time.Duration
	hold     bool
}

// resumeIndex returns the index of the first message after lastCheckpoint.
func (s *Source) resumeIndex(lastCheckpoint *ktypes.OpIdentifier) (int, error) {
	if lastCheckpoint == nil {
		return 0, nil
	}
	for i, m := range s.messages {
		if id := m.id(); id != nil && *id == *lastCheckpoint {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %+v", ErrUnknownCheckpoint, *lastCheckpoint)
}

func (s *Source) Start(ctx context.Context, sender kprocessor.SourceSender, lastCheckpoint *ktypes.OpIdentifier) error {
	start, err := s.resumeIndex(lastCheckpoint)
	if err != nil {
		return err
	}
	for _, m := range s.messages[start:] {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil
			}
		}
		if err := sender.Send(ctx, m.Port, m.Msg); err != nil {
			if errors.Is(err, kprocessor.ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	if s.hold {
		<-ctx.Done()
	}
	return nil
}

var _ kprocessor.SourceFactory = (*SourceFactory)(nil)
