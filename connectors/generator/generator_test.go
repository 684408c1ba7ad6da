package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

type recordingSender struct {
	sent []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, port kprocessor.PortHandle, msg kprocessor.IngestionMessage) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, Message{Port: port, Msg: msg})
	return nil
}

func schema() ktypes.Schema {
	var s ktypes.Schema
	s.Field(ktypes.FieldDefinition{Name: "id", Typ: ktypes.KindInt}, true)
	return s
}

func insert(id int64) ktypes.Operation {
	return ktypes.Insert(ktypes.NewRecord(ktypes.NewInt(id)))
}

func build(t *testing.T, msgs []Message, opts ...Option) kprocessor.Source {
	t.Helper()
	f := NewSourceFactory(map[kprocessor.PortHandle]ktypes.Schema{0: schema(), 1: schema()}, msgs, opts...)
	src, err := f.Build(nil)
	assert.NoError(t, err)
	return src
}

func TestTransaction(t *testing.T) {
	msgs := Transaction(1, 7, insert(1), insert(2))
	assert.Equal(t, 3, len(msgs))
	assert.Equal(t, kprocessor.OperationEvent{Op: insert(2), ID: &ktypes.OpIdentifier{TxID: 7, SeqInTx: 1}}, msgs[1].Msg.(kprocessor.OperationEvent))
	assert.Equal(t, kprocessor.CommitAt(&ktypes.OpIdentifier{TxID: 7, SeqInTx: 2}), msgs[2].Msg.(kprocessor.TransactionInfo))
	for _, m := range msgs {
		assert.Equal(t, kprocessor.PortHandle(1), m.Port)
	}
}

func TestGenerator(t *testing.T) {
	msgs := append(Transaction(0, 1, insert(1)), Transaction(1, 2, insert(2), insert(3))...)

	t.Run("sends everything without checkpoint", func(t *testing.T) {
		s := &recordingSender{}
		assert.NoError(t, build(t, msgs).Start(context.Background(), s, nil))
		assert.Equal(t, msgs, s.sent)
	})

	t.Run("resumes after checkpoint", func(t *testing.T) {
		s := &recordingSender{}
		err := build(t, msgs).Start(context.Background(), s, &ktypes.OpIdentifier{TxID: 1, SeqInTx: 1})
		assert.NoError(t, err)
		assert.Equal(t, msgs[2:], s.sent)
	})

	t.Run("nothing left after last commit", func(t *testing.T) {
		s := &recordingSender{}
		err := build(t, msgs).Start(context.Background(), s, &ktypes.OpIdentifier{TxID: 2, SeqInTx: 2})
		assert.NoError(t, err)
		assert.Equal(t, 0, len(s.sent))
	})

	t.Run("unknown checkpoint", func(t *testing.T) {
		err := build(t, msgs).Start(context.Background(), &recordingSender{}, &ktypes.OpIdentifier{TxID: 99})
		assert.True(t, errors.Is(err, ErrUnknownCheckpoint))
	})

	t.Run("stopped executor ends the source", func(t *testing.T) {
		err := build(t, msgs).Start(context.Background(), &recordingSender{err: kprocessor.ErrStopped}, nil)
		assert.NoError(t, err)
	})

	t.Run("send errors are returned", func(t *testing.T) {
		boom := errors.New("boom")
		err := build(t, msgs).Start(context.Background(), &recordingSender{err: boom}, nil)
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("delay stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := &recordingSender{}
		assert.NoError(t, build(t, msgs, WithDelay(time.Hour)).Start(ctx, s, nil))
		assert.Equal(t, 0, len(s.sent))
	})

	t.Run("hold waits for cancel", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		s := &recordingSender{}
		assert.NoError(t, build(t, msgs, WithHold()).Start(ctx, s, nil))
		assert.Equal(t, len(msgs), len(s.sent))
		assert.Error(t, ctx.Err())
	})
}

func TestSourceFactory(t *testing.T) {
	t.Run("ports are sorted", func(t *testing.T) {
		f := NewSourceFactory(map[kprocessor.PortHandle]ktypes.Schema{3: schema(), 1: schema()}, nil)
		ports := f.OutputPorts()
		assert.Equal(t, 2, len(ports))
		assert.Equal(t, kprocessor.PortHandle(1), ports[0].Handle)
		assert.Equal(t, kprocessor.PortHandle(3), ports[1].Handle)
	})

	t.Run("unknown port", func(t *testing.T) {
		f := NewSourceFactory(map[kprocessor.PortHandle]ktypes.Schema{0: schema()}, Transaction(5, 1))
		_, err := f.OutputSchema(5)
		assert.True(t, errors.Is(err, kprocessor.ErrUnknownPort))
		_, err = f.Build(nil)
		assert.True(t, errors.Is(err, kprocessor.ErrUnknownPort))
	})
}
