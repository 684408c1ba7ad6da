package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/connectors/generator"
	"github.com/birdayz/kflow/connectors/kafka"
	"github.com/birdayz/kflow/connectors/postgres"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
	"github.com/birdayz/kflow/processors"
	"github.com/birdayz/kflow/processors/aggregation"
	"github.com/birdayz/kflow/processors/join"
	"gopkg.in/yaml.v3"
)

var ErrConfig = errors.New("config")

// Config is the YAML pipeline definition.
type Config struct {
	LogLevel          string           `yaml:"log_level"`
	MetricsAddr       string           `yaml:"metrics_addr"`
	StateDir          string           `yaml:"state_dir"`
	ChannelBufferSize int              `yaml:"channel_buffer_size"`
	ErrorThreshold    *int             `yaml:"error_threshold"`
	Checkpoint        CheckpointConfig `yaml:"checkpoint"`
	Sources           []SourceConfig   `yaml:"sources"`
	Pipeline          PipelineConfig   `yaml:"pipeline"`
}

type CheckpointConfig struct {
	Local *struct {
		Dir string `yaml:"dir"`
	} `yaml:"local"`
	S3 *struct {
		Endpoint  string `yaml:"endpoint"`
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Insecure  bool   `yaml:"insecure"`
	} `yaml:"s3"`
}

type FieldConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
	Primary  bool   `yaml:"primary"`
}

type TableConfig struct {
	Name   string        `yaml:"name"`
	Fields []FieldConfig `yaml:"fields"`
	// Rows are inserted in one transaction by generator sources.
	Rows [][]any `yaml:"rows"`
}

type SourceConfig struct {
	Connection string `yaml:"connection"`
	Generator  *struct {
		Delay  time.Duration `yaml:"delay"`
		Hold   bool          `yaml:"hold"`
		Tables []TableConfig `yaml:"tables"`
	} `yaml:"generator"`
	Kafka *struct {
		Brokers   []string    `yaml:"brokers"`
		Topic     string      `yaml:"topic"`
		Partition int32       `yaml:"partition"`
		Table     TableConfig `yaml:"table"`
	} `yaml:"kafka"`
}

type JoinSideConfig struct {
	Table      string   `yaml:"table"`
	Connection string   `yaml:"connection"`
	Key        []string `yaml:"key"`
}

type PipelineConfig struct {
	// From feeds the first node when there is no join.
	From *JoinSideConfig `yaml:"from"`
	Join *struct {
		Type  string         `yaml:"type"`
		Left  JoinSideConfig `yaml:"left"`
		Right JoinSideConfig `yaml:"right"`
	} `yaml:"join"`
	Aggregation *struct {
		Dimensions []struct {
			Field  string `yaml:"field"`
			Rename string `yaml:"rename"`
			Hidden bool   `yaml:"hidden"`
		} `yaml:"dimensions"`
		Measures []struct {
			Field  string `yaml:"field"`
			Func   string `yaml:"func"`
			Rename string `yaml:"rename"`
			Hidden bool   `yaml:"hidden"`
		} `yaml:"measures"`
	} `yaml:"aggregation"`
	Sink struct {
		Log      *struct{} `yaml:"log"`
		Postgres *struct {
			ConnString  string `yaml:"conn_string"`
			Table       string `yaml:"table"`
			CreateTable bool   `yaml:"create_table"`
		} `yaml:"postgres"`
	} `yaml:"sink"`
}

func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(b))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

var kinds = map[string]ktypes.Kind{
	"uint":      ktypes.KindUInt,
	"int":       ktypes.KindInt,
	"float":     ktypes.KindFloat,
	"boolean":   ktypes.KindBoolean,
	"string":    ktypes.KindString,
	"text":      ktypes.KindText,
	"binary":    ktypes.KindBinary,
	"decimal":   ktypes.KindDecimal,
	"timestamp": ktypes.KindTimestamp,
	"date":      ktypes.KindDate,
	"duration":  ktypes.KindDuration,
	"json":      ktypes.KindJSON,
}

func (t TableConfig) schema(connection string) (ktypes.Schema, error) {
	var s ktypes.Schema
	for _, f := range t.Fields {
		kind, ok := kinds[strings.ToLower(f.Type)]
		if !ok {
			return s, fmt.Errorf("%w: table %s field %s: unknown type %q", ErrConfig, t.Name, f.Name, f.Type)
		}
		s.Field(ktypes.FieldDefinition{
			Name:     f.Name,
			Typ:      kind,
			Nullable: f.Nullable,
			Source:   ktypes.SourceDefinition{Kind: ktypes.SourceTable, Connection: connection, Name: t.Name},
		}, f.Primary)
	}
	return s, nil
}

// rows turns the configured rows into inserts. Values are read the way the
// Kafka source reads JSON.
func (t TableConfig) rows(schema ktypes.Schema) ([]ktypes.Operation, error) {
	ops := make([]ktypes.Operation, 0, len(t.Rows))
	for i, row := range t.Rows {
		b, err := json.Marshal(map[string]any{"op": "insert", "new": row})
		if err != nil {
			return nil, fmt.Errorf("%w: table %s row %d: %w", ErrConfig, t.Name, i, err)
		}
		op, err := kafka.DecodeChange(schema, b)
		if err != nil {
			return nil, fmt.Errorf("%w: table %s row %d: %w", ErrConfig, t.Name, i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// pipeline is the resolved form of a Config.
type pipeline struct {
	dag  *kdag.Dag
	opts []kflow.Option
}

type table struct {
	connection string
	schema     ktypes.Schema
}

func (c *Config) build(log *slog.Logger) (*pipeline, error) {
	sources := kdag.NewAppSourceManager()
	tables := map[kdag.AppSourceID]table{}

	for _, src := range c.Sources {
		if (src.Generator == nil) == (src.Kafka == nil) {
			return nil, fmt.Errorf("%w: source %s needs exactly one of generator or kafka", ErrConfig, src.Connection)
		}
		app := kdag.AppSource{Connection: src.Connection}

		switch {
		case src.Generator != nil:
			schemas := map[kprocessor.PortHandle]ktypes.Schema{}
			var msgs []generator.Message
			for i, t := range src.Generator.Tables {
				port := kprocessor.PortHandle(i)
				s, err := t.schema(src.Connection)
				if err != nil {
					return nil, err
				}
				ops, err := t.rows(s)
				if err != nil {
					return nil, err
				}
				schemas[port] = s
				msgs = append(msgs, generator.Transaction(port, uint64(i), ops...)...)
				app.Mappings = append(app.Mappings, kdag.AppSourceMapping{Table: t.Name, Port: port})
				tables[kdag.AppSourceID{Table: t.Name, Connection: src.Connection}] = table{src.Connection, s}
			}
			var opts []generator.Option
			if src.Generator.Delay > 0 {
				opts = append(opts, generator.WithDelay(src.Generator.Delay))
			}
			if src.Generator.Hold {
				opts = append(opts, generator.WithHold())
			}
			app.Factory = generator.NewSourceFactory(schemas, msgs, opts...)

		case src.Kafka != nil:
			k := src.Kafka
			s, err := k.Table.schema(src.Connection)
			if err != nil {
				return nil, err
			}
			app.Factory = kafka.NewSourceFactory(kafka.Config{
				Brokers:   k.Brokers,
				Topic:     k.Topic,
				Partition: k.Partition,
				Schema:    s,
			}, log.With("connection", src.Connection))
			app.Mappings = []kdag.AppSourceMapping{{Table: k.Table.Name, Port: kprocessor.DefaultPortHandle}}
			tables[kdag.AppSourceID{Table: k.Table.Name, Connection: src.Connection}] = table{src.Connection, s}
		}

		if err := sources.Add(app); err != nil {
			return nil, err
		}
	}

	lookup := func(side JoinSideConfig) (kdag.AppSourceID, table, error) {
		for id, t := range tables {
			if id.Table == side.Table && (side.Connection == "" || side.Connection == id.Connection) {
				return kdag.AppSourceID{Table: side.Table, Connection: side.Connection}, t, nil
			}
		}
		return kdag.AppSourceID{}, table{}, fmt.Errorf("%w: unknown table %s", ErrConfig, side.Table)
	}

	p := kdag.NewAppPipeline()
	// last is the node feeding the next one; entry is used while there is
	// no node yet.
	var last string
	var entry []kdag.PipelineEntryPoint

	pc := c.Pipeline
	switch {
	case pc.Join != nil:
		typ, err := joinType(pc.Join.Type)
		if err != nil {
			return nil, err
		}
		var keys [2][]int
		var eps []kdag.PipelineEntryPoint
		ports := []kprocessor.PortHandle{join.LeftPort, join.RightPort}
		for i, side := range []JoinSideConfig{pc.Join.Left, pc.Join.Right} {
			id, t, err := lookup(side)
			if err != nil {
				return nil, err
			}
			for _, name := range side.Key {
				idx, _, err := t.schema.FieldIndex(name)
				if err != nil {
					return nil, fmt.Errorf("%w: join key: %w", ErrConfig, err)
				}
				keys[i] = append(keys[i], idx)
			}
			eps = append(eps, kdag.PipelineEntryPoint{Source: id, Port: ports[i]})
		}
		if err := p.AddProcessor("join", join.NewJoinProcessorFactory("join", typ, keys[0], keys[1]), eps...); err != nil {
			return nil, err
		}
		last = "join"
	case pc.From != nil:
		id, _, err := lookup(*pc.From)
		if err != nil {
			return nil, err
		}
		entry = []kdag.PipelineEntryPoint{{Source: id, Port: kprocessor.DefaultPortHandle}}
	default:
		return nil, fmt.Errorf("%w: pipeline needs a join or a from table", ErrConfig)
	}

	add := func(id string, processor kprocessor.ProcessorFactory, sink kprocessor.SinkFactory) error {
		var err error
		if processor != nil {
			err = p.AddProcessor(id, processor, entry...)
		} else {
			err = p.AddSink(id, sink, entry...)
		}
		if err != nil {
			return err
		}
		if last != "" {
			if err := p.ConnectNodes(last, kprocessor.DefaultPortHandle, id, kprocessor.DefaultPortHandle); err != nil {
				return err
			}
		}
		last, entry = id, nil
		return nil
	}

	if agg := pc.Aggregation; agg != nil {
		var rules []aggregation.FieldRule
		for _, d := range agg.Dimensions {
			rules = append(rules, aggregation.Dimension{Field: d.Field, IsValue: !d.Hidden, Rename: d.Rename})
		}
		for _, m := range agg.Measures {
			a, err := aggregator(m.Func)
			if err != nil {
				return nil, err
			}
			rules = append(rules, aggregation.Measure{Field: m.Field, Aggregator: a, IsValue: !m.Hidden, Rename: m.Rename})
		}
		if err := add("aggregate", aggregation.NewAggregationProcessorFactory(rules...), nil); err != nil {
			return nil, err
		}
	}

	sink, err := pc.sink(log)
	if err != nil {
		return nil, err
	}
	if err := add("sink", nil, sink); err != nil {
		return nil, err
	}

	app := kdag.NewApp(sources)
	app.AddPipeline(p)
	dag, err := app.IntoDag()
	if err != nil {
		return nil, err
	}
	return &pipeline{dag: dag, opts: c.options(log)}, nil
}

func (pc PipelineConfig) sink(log *slog.Logger) (kprocessor.SinkFactory, error) {
	switch {
	case pc.Sink.Postgres != nil:
		pg := pc.Sink.Postgres
		return postgres.NewSinkFactory(postgres.Config{
			ConnString:  pg.ConnString,
			Table:       pg.Table,
			CreateTable: pg.CreateTable,
		}, log.With("sink", "postgres")), nil
	case pc.Sink.Log != nil:
		return processors.ForEach(func(_ kprocessor.PortHandle, op ktypes.Operation) error {
			log.Info("Operation", "op", op.String())
			return nil
		}), nil
	}
	return nil, fmt.Errorf("%w: pipeline needs a sink", ErrConfig)
}

func (c *Config) options(log *slog.Logger) []kflow.Option {
	opts := []kflow.Option{kflow.WithLog(log), kflow.WithStateDir(c.StateDir)}
	if strings.EqualFold(c.LogLevel, "debug") {
		opts = append(opts, kflow.WithInterceptors(kprocessor.LoggingInterceptor(log.With("component", "processor"))))
	}
	if c.ChannelBufferSize > 0 {
		opts = append(opts, kflow.WithChannelBufferSize(c.ChannelBufferSize))
	}
	if c.ErrorThreshold != nil {
		if *c.ErrorThreshold <= 0 {
			opts = append(opts, kflow.WithUnlimitedErrors())
		} else {
			opts = append(opts, kflow.WithErrorThreshold(*c.ErrorThreshold))
		}
	}
	switch cp := c.Checkpoint; {
	case cp.S3 != nil:
		s3 := kflow.NewS3Config(cp.S3.Endpoint, cp.S3.Bucket, cp.S3.AccessKey, cp.S3.SecretKey)
		if cp.S3.Prefix != "" {
			s3.Prefix = cp.S3.Prefix
		}
		s3.Secure = !cp.S3.Insecure
		opts = append(opts, kflow.WithS3Checkpoints(s3))
	case cp.Local != nil:
		opts = append(opts, kflow.WithLocalCheckpoints(cp.Local.Dir))
	}
	return opts
}

func joinType(s string) (join.JoinType, error) {
	for _, t := range []join.JoinType{join.Inner, join.LeftOuter, join.RightOuter} {
		if t.String() == s {
			return t, nil
		}
	}
	if s == "" {
		return join.Inner, nil
	}
	return 0, fmt.Errorf("%w: unknown join type %q", ErrConfig, s)
}

func aggregator(name string) (aggregation.Aggregator, error) {
	switch name {
	case "sum":
		return aggregation.Sum(), nil
	case "count":
		return aggregation.Count(), nil
	}
	return nil, fmt.Errorf("%w: unknown aggregation function %q", ErrConfig, name)
}
