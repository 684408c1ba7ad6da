// Package kafka provides a source reading JSON encoded changes from one
// partition of a Kafka topic.
//
// Every record becomes one operation identified by
// OpIdentifier{TxID: partition, SeqInTx: offset}. Each fetch ends with a
// commit at the last offset, so the source is restartable after every
// fetch.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"
)

var ErrInvalidConfig = errors.New("kafka: invalid config")

var recordsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kflow_kafka_records_consumed_total",
	Help: "Records read from Kafka.",
}, []string{"topic"})

type Config struct {
	Brokers   []string
	Topic     string
	Partition int32
	Schema    ktypes.Schema
}

// SourceFactory builds Kafka sources with a single default output port.
type SourceFactory struct {
	cfg  Config
	log  *slog.Logger
	opts []kgo.Opt
}

// NewSourceFactory returns a factory. opts are added to the client options.
func NewSourceFactory(cfg Config, log *slog.Logger, opts ...kgo.Opt) *SourceFactory {
	return &SourceFactory{cfg: cfg, log: log, opts: opts}
}

func (f *SourceFactory) OutputPorts() []kprocessor.OutputPortDef {
	return []kprocessor.OutputPortDef{kprocessor.NewOutputPortDef(kprocessor.DefaultPortHandle, kprocessor.Stateless)}
}

func (f *SourceFactory) OutputSchema(port kprocessor.PortHandle) (ktypes.Schema, error) {
	if port != kprocessor.DefaultPortHandle {
		return ktypes.Schema{}, fmt.Errorf("%w: %s", kprocessor.ErrUnknownPort, port)
	}
	return f.cfg.Schema, nil
}

func (f *SourceFactory) Build(map[kprocessor.PortHandle]ktypes.Schema) (kprocessor.Source, error) {
	if len(f.cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers", ErrInvalidConfig)
	}
	if f.cfg.Topic == "" {
		return nil, fmt.Errorf("%w: no topic", ErrInvalidConfig)
	}
	log := f.log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Source{
		cfg:      f.cfg,
		log:      log.With("topic", f.cfg.Topic, "partition", f.cfg.Partition),
		opts:     f.opts,
		consumed: recordsConsumed.WithLabelValues(f.cfg.Topic),
	}, nil
}

type Source struct {
	cfg      Config
	log      *slog.Logger
	opts     []kgo.Opt
	consumed prometheus.Counter
}

// startOffset is the offset after lastCheckpoint, or the start of the
// partition.
func startOffset(lastCheckpoint *ktypes.OpIdentifier) kgo.Offset {
	if lastCheckpoint == nil {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().At(int64(lastCheckpoint.SeqInTx) + 1)
}

func (s *Source) Start(ctx context.Context, sender kprocessor.SourceSender, lastCheckpoint *ktypes.OpIdentifier) error {
	if lastCheckpoint != nil && lastCheckpoint.TxID != uint64(s.cfg.Partition) {
		return fmt.Errorf("%w: checkpoint of partition %d", ErrInvalidConfig, lastCheckpoint.TxID)
	}

	opts := append([]kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			s.cfg.Topic: {s.cfg.Partition: startOffset(lastCheckpoint)},
		}),
		// Used when the resume offset was deleted by retention.
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}, s.opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	s.log.Info("Consuming", "resume", lastCheckpoint)
	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			fetchErr = multierr.Append(fetchErr, fmt.Errorf("fetch %s/%d: %w", topic, partition, err))
		})
		if fetchErr != nil {
			return fetchErr
		}

		var last *ktypes.OpIdentifier
		for it := fetches.RecordIter(); !it.Done(); {
			rec := it.Next()
			op, err := DecodeChange(s.cfg.Schema, rec.Value)
			if err != nil {
				return fmt.Errorf("record at offset %d: %w", rec.Offset, err)
			}
			last = &ktypes.OpIdentifier{TxID: uint64(rec.Partition), SeqInTx: uint64(rec.Offset)}
			if err := sender.Send(ctx, kprocessor.DefaultPortHandle, kprocessor.OperationEvent{Op: op, ID: last}); err != nil {
				return stopped(ctx, err)
			}
			s.consumed.Inc()
		}
		if last == nil {
			continue
		}
		if err := sender.Send(ctx, kprocessor.DefaultPortHandle, kprocessor.CommitAt(last)); err != nil {
			return stopped(ctx, err)
		}
	}
}

// stopped turns shutdown errors into a clean exit.
func stopped(ctx context.Context, err error) error {
	if errors.Is(err, kprocessor.ErrStopped) || ctx.Err() != nil {
		return nil
	}
	return err
}

var _ kprocessor.SourceFactory = (*SourceFactory)(nil)
