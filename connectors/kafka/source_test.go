package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// channelSender hands every message to a channel.
type channelSender struct {
	ch chan kprocessor.IngestionMessage
}

func (s channelSender) Send(ctx context.Context, _ kprocessor.PortHandle, msg kprocessor.IngestionMessage) error {
	select {
	case s.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSource(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping redpanda integration test in short mode")
	}

	ctx := context.Background()
	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.1.7")
	assert.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	broker, err := container.KafkaSeedBroker(ctx)
	assert.NoError(t, err)

	kcl, err := kgo.NewClient(kgo.SeedBrokers(broker))
	assert.NoError(t, err)
	defer kcl.Close()
	_, err = kadm.NewClient(kcl).CreateTopics(ctx, 1, 1, nil, "orders")
	assert.NoError(t, err)

	produce := func(ops ...ktypes.Operation) {
		for _, op := range ops {
			b, err := EncodeChange(op)
			assert.NoError(t, err)
			assert.NoError(t, kcl.ProduceSync(ctx, &kgo.Record{Topic: "orders", Value: b}).FirstErr())
		}
	}
	order := func(id uint64, customer string) ktypes.Record {
		return ktypes.NewRecord(ktypes.NewUInt(id), ktypes.NewString(customer), ktypes.NewBoolean(false), ktypes.Null())
	}

	cfg := Config{Brokers: []string{broker}, Topic: "orders", Schema: orderSchema()}

	// consume runs a source until n operations and the commit after them
	// arrived.
	consume := func(resume *ktypes.OpIdentifier, n int) ([]kprocessor.OperationEvent, *ktypes.OpIdentifier) {
		src, err := NewSourceFactory(cfg, nil).Build(nil)
		assert.NoError(t, err)

		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		sender := channelSender{ch: make(chan kprocessor.IngestionMessage)}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, src.Start(runCtx, sender, resume))
		}()

		var events []kprocessor.OperationEvent
		var committed *ktypes.OpIdentifier
		for len(events) < n || committed == nil || *committed != *events[len(events)-1].ID {
			switch m := (<-sender.ch).(type) {
			case kprocessor.OperationEvent:
				events = append(events, m)
			case kprocessor.TransactionInfo:
				assert.Equal(t, kprocessor.Commit, m.Kind)
				committed = m.ID
			}
		}
		cancel()
		wg.Wait()
		return events, committed
	}

	produce(ktypes.Insert(order(1, "ann")), ktypes.Insert(order(2, "bob")))

	events, committed := consume(nil, 2)
	assert.Equal(t, ktypes.Insert(order(1, "ann")), events[0].Op)
	assert.Equal(t, ktypes.OpIdentifier{TxID: 0, SeqInTx: 1}, *events[1].ID)
	assert.Equal(t, ktypes.OpIdentifier{TxID: 0, SeqInTx: 1}, *committed)

	produce(ktypes.Delete(order(1, "ann")))

	events, committed = consume(committed, 1)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, ktypes.Delete(order(1, "ann")), events[0].Op)
	assert.Equal(t, ktypes.OpIdentifier{TxID: 0, SeqInTx: 2}, *committed)
}
