// Package postgres provides a sink applying operations to a Postgres table.
//
// Operations are buffered until the epoch commits. One transaction then
// applies the buffered operations and records the epoch id in
// kflow_checkpoints, so the table and its epoch marker never diverge.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInvalidConfig = errors.New("postgres: invalid config")
	ErrNoPrimaryKey  = errors.New("postgres: input has no primary key")
)

const checkpointsDDL = `CREATE TABLE IF NOT EXISTS kflow_checkpoints (
  sink text PRIMARY KEY,
  epoch bigint NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

type Config struct {
	ConnString string
	Table      string

	// Name identifies the sink in kflow_checkpoints. Defaults to Table.
	Name string

	// CreateTable creates Table from the input schema if it does not exist.
	CreateTable bool

	Timeout time.Duration
}

type SinkFactory struct {
	cfg Config
	log *slog.Logger
}

func NewSinkFactory(cfg Config, log *slog.Logger) *SinkFactory {
	if cfg.Name == "" {
		cfg.Name = cfg.Table
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &SinkFactory{cfg: cfg, log: log}
}

func (f *SinkFactory) InputPorts() []kprocessor.PortHandle {
	return []kprocessor.PortHandle{kprocessor.DefaultPortHandle}
}

func (f *SinkFactory) Prepare(inputSchemas map[kprocessor.PortHandle]ktypes.Schema) error {
	if f.cfg.ConnString == "" || f.cfg.Table == "" {
		return fmt.Errorf("%w: connection string and table are required", ErrInvalidConfig)
	}
	schema, ok := inputSchemas[kprocessor.DefaultPortHandle]
	if !ok {
		return fmt.Errorf("%w: %s", kprocessor.ErrUnknownPort, kprocessor.DefaultPortHandle)
	}
	if !schema.HasPrimaryKey() {
		return ErrNoPrimaryKey
	}
	return nil
}

func (f *SinkFactory) Build(inputSchemas map[kprocessor.PortHandle]ktypes.Schema) (kprocessor.Sink, error) {
	if err := f.Prepare(inputSchemas); err != nil {
		return nil, err
	}
	schema := inputSchemas[kprocessor.DefaultPortHandle]

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, f.cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ddl := []string{checkpointsDDL}
	if f.cfg.CreateTable {
		ddl = append(ddl, createTable(f.cfg.Table, schema))
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("prepare tables: %w", err)
		}
	}
	return &Sink{
		cfg:     f.cfg,
		schema:  schema,
		pool:    pool,
		queries: newQueries(f.cfg.Table, schema),
		log:     f.log.With("table", f.cfg.Table),
	}, nil
}

// Sink writes to one table.
type Sink struct {
	cfg     Config
	schema  ktypes.Schema
	pool    *pgxpool.Pool
	queries queries
	pending []ktypes.Operation
	log     *slog.Logger
}

// Process buffers op until the next commit.
func (s *Sink) Process(_ kprocessor.PortHandle, op ktypes.Operation) error {
	s.pending = append(s.pending, op)
	return nil
}

// Commit applies the buffered operations and the epoch marker in one
// transaction.
func (s *Sink) Commit(epoch kprocessor.Epoch) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, op := range s.pending {
		s.queue(batch, op)
	}
	batch.Queue(`INSERT INTO kflow_checkpoints (sink, epoch) VALUES ($1, $2)
ON CONFLICT (sink) DO UPDATE SET epoch = EXCLUDED.epoch, updated_at = now()`, s.cfg.Name, int64(epoch.ID))

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("commit epoch %d: %w", epoch.ID, err)
	}
	s.log.Debug("Committed epoch", "epoch", epoch.ID, "operations", len(s.pending))
	s.pending = s.pending[:0]
	return nil
}

func (s *Sink) queue(batch *pgx.Batch, op ktypes.Operation) {
	switch op.Kind {
	case ktypes.OpInsert:
		batch.Queue(s.queries.upsert, values(op.New.Values)...)
	case ktypes.OpDelete:
		batch.Queue(s.queries.delete, values(op.Old.Key(s.schema.PrimaryIndex))...)
	case ktypes.OpUpdate:
		oldKey := op.Old.Key(s.schema.PrimaryIndex)
		if !ktypes.NewRecord(oldKey...).Equal(ktypes.NewRecord(op.New.Key(s.schema.PrimaryIndex)...)) {
			batch.Queue(s.queries.delete, values(oldKey)...)
		}
		batch.Queue(s.queries.upsert, values(op.New.Values)...)
	}
}

// LastEpoch returns the last epoch committed by this sink.
func (s *Sink) LastEpoch(ctx context.Context) (uint64, bool, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM kflow_checkpoints WHERE sink = $1`, s.cfg.Name).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(epoch), true, nil
}

func (s *Sink) OnSnapshottingStarted(connection string) error {
	s.log.Info("Snapshotting started", "connection", connection)
	return nil
}

func (s *Sink) OnSnapshottingDone(connection string, id *ktypes.OpIdentifier) error {
	s.log.Info("Snapshotting done", "connection", connection, "id", id)
	return nil
}

// Close drops uncommitted operations and closes the pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

type queries struct {
	upsert string
	delete string
}

func newQueries(table string, schema ktypes.Schema) queries {
	t := pgx.Identifier{table}.Sanitize()

	columns := make([]string, len(schema.Fields))
	params := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		columns[i] = pgx.Identifier{f.Name}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	var keys, where, updates []string
	for i, idx := range schema.PrimaryIndex {
		keys = append(keys, columns[idx])
		where = append(where, fmt.Sprintf("%s = $%d", columns[idx], i+1))
	}
	for i, c := range columns {
		if !isKey(schema, i) {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return queries{
		upsert: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
			t, strings.Join(columns, ", "), strings.Join(params, ", "), strings.Join(keys, ", "), conflict),
		delete: fmt.Sprintf("DELETE FROM %s WHERE %s", t, strings.Join(where, " AND ")),
	}
}

func isKey(schema ktypes.Schema, i int) bool {
	for _, idx := range schema.PrimaryIndex {
		if idx == i {
			return true
		}
	}
	return false
}

func createTable(table string, schema ktypes.Schema) string {
	var cols, keys []string
	for i, f := range schema.Fields {
		col := pgx.Identifier{f.Name}.Sanitize() + " " + columnType(f.Typ)
		if !f.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
		if isKey(schema, i) {
			keys = append(keys, pgx.Identifier{f.Name}.Sanitize())
		}
	}
	cols = append(cols, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgx.Identifier{table}.Sanitize(), strings.Join(cols, ", "))
}

func columnType(k ktypes.Kind) string {
	switch k {
	case ktypes.KindUInt, ktypes.KindInt:
		return "bigint"
	case ktypes.KindFloat:
		return "double precision"
	case ktypes.KindBoolean:
		return "boolean"
	case ktypes.KindBinary:
		return "bytea"
	case ktypes.KindDecimal:
		return "numeric"
	case ktypes.KindTimestamp:
		return "timestamptz"
	case ktypes.KindDate:
		return "date"
	case ktypes.KindDuration:
		return "interval"
	case ktypes.KindJSON:
		return "jsonb"
	default:
		return "text"
	}
}

// values converts fields to query arguments.
func values(fields []ktypes.Field) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = value(f)
	}
	return out
}

func value(f ktypes.Field) any {
	switch f.Kind() {
	case ktypes.KindUInt:
		v, _ := f.AsUInt()
		return int64(v)
	case ktypes.KindInt:
		v, _ := f.AsInt()
		return v
	case ktypes.KindFloat:
		v, _ := f.AsFloat()
		return v
	case ktypes.KindBoolean:
		v, _ := f.AsBoolean()
		return v
	case ktypes.KindString:
		v, _ := f.AsString()
		return v
	case ktypes.KindText:
		v, _ := f.AsText()
		return v
	case ktypes.KindBinary:
		v, _ := f.AsBinary()
		return v
	case ktypes.KindDecimal:
		v, _ := f.AsDecimal()
		return v.String()
	case ktypes.KindTimestamp:
		v, _ := f.AsTimestamp()
		return v
	case ktypes.KindDate:
		v, _ := f.AsDate()
		return v
	case ktypes.KindDuration:
		v, _ := f.AsDuration()
		return v
	case ktypes.KindJSON:
		v, _ := f.AsJSON()
		return string(v)
	}
	return nil
}

var (
	_ kprocessor.SinkFactory = (*SinkFactory)(nil)
	_ io.Closer              = (*Sink)(nil)
)
