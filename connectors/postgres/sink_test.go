package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func customerSchema() ktypes.Schema {
	var s ktypes.Schema
	s.Field(ktypes.FieldDefinition{Name: "id", Typ: ktypes.KindInt}, true).
		Field(ktypes.FieldDefinition{Name: "name", Typ: ktypes.KindString}, false).
		Field(ktypes.FieldDefinition{Name: "balance", Typ: ktypes.KindDecimal, Nullable: true}, false)
	return s
}

func TestQueries(t *testing.T) {
	t.Run("upsert and delete", func(t *testing.T) {
		q := newQueries("customers", customerSchema())
		assert.Equal(t, `INSERT INTO "customers" ("id", "name", "balance") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "balance" = EXCLUDED."balance"`, q.upsert)
		assert.Equal(t, `DELETE FROM "customers" WHERE "id" = $1`, q.delete)
	})

	t.Run("key only table", func(t *testing.T) {
		var s ktypes.Schema
		s.Field(ktypes.FieldDefinition{Name: "a", Typ: ktypes.KindInt}, true).
			Field(ktypes.FieldDefinition{Name: "b", Typ: ktypes.KindInt}, true)
		q := newQueries("pairs", s)
		assert.Equal(t, `INSERT INTO "pairs" ("a", "b") VALUES ($1, $2) ON CONFLICT ("a", "b") DO NOTHING`, q.upsert)
		assert.Equal(t, `DELETE FROM "pairs" WHERE "a" = $1 AND "b" = $2`, q.delete)
	})

	t.Run("create table", func(t *testing.T) {
		assert.Equal(t,
			`CREATE TABLE IF NOT EXISTS "customers" ("id" bigint NOT NULL, "name" text NOT NULL, "balance" numeric, PRIMARY KEY ("id"))`,
			createTable("customers", customerSchema()))
	})
}

func TestPrepare(t *testing.T) {
	t.Run("requires primary key", func(t *testing.T) {
		f := NewSinkFactory(Config{ConnString: "postgres://localhost/x", Table: "t"}, nil)
		var s ktypes.Schema
		s.Field(ktypes.FieldDefinition{Name: "a", Typ: ktypes.KindInt}, false)
		err := f.Prepare(map[kprocessor.PortHandle]ktypes.Schema{kprocessor.DefaultPortHandle: s})
		assert.True(t, errors.Is(err, ErrNoPrimaryKey))
	})

	t.Run("requires table", func(t *testing.T) {
		f := NewSinkFactory(Config{ConnString: "postgres://localhost/x"}, nil)
		err := f.Prepare(map[kprocessor.PortHandle]ktypes.Schema{kprocessor.DefaultPortHandle: customerSchema()})
		assert.True(t, errors.Is(err, ErrInvalidConfig))
	})
}

func TestSink(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("kflow"),
		tcpostgres.WithUsername("kflow"),
		tcpostgres.WithPassword("kflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	assert.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	assert.NoError(t, err)

	inputs := map[kprocessor.PortHandle]ktypes.Schema{kprocessor.DefaultPortHandle: customerSchema()}
	built, err := NewSinkFactory(Config{ConnString: dsn, Table: "customers", CreateTable: true}, nil).Build(inputs)
	assert.NoError(t, err)
	sink := built.(*Sink)
	defer sink.Close()

	conn, err := pgx.Connect(ctx, dsn)
	assert.NoError(t, err)
	defer conn.Close(ctx)

	names := func() map[int64]string {
		rows, err := conn.Query(ctx, `SELECT id, name FROM customers`)
		assert.NoError(t, err)
		out := map[int64]string{}
		for rows.Next() {
			var id int64
			var name string
			assert.NoError(t, rows.Scan(&id, &name))
			out[id] = name
		}
		assert.NoError(t, rows.Err())
		return out
	}
	customer := func(id int64, name string) ktypes.Record {
		return ktypes.NewRecord(ktypes.NewInt(id), ktypes.NewString(name), ktypes.Null())
	}
	process := func(ops ...ktypes.Operation) {
		for _, op := range ops {
			assert.NoError(t, sink.Process(kprocessor.DefaultPortHandle, op))
		}
	}

	_, ok, err := sink.LastEpoch(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)

	process(ktypes.Insert(customer(1, "ann")), ktypes.Insert(customer(2, "bob")))
	assert.Equal(t, map[int64]string{}, names())

	assert.NoError(t, sink.Commit(kprocessor.Epoch{ID: 0}))
	assert.Equal(t, map[int64]string{1: "ann", 2: "bob"}, names())

	process(
		ktypes.Update(customer(1, "ann"), customer(1, "anna")),
		ktypes.Update(customer(2, "bob"), customer(3, "bob")),
		ktypes.Delete(customer(1, "anna")),
	)
	assert.NoError(t, sink.Commit(kprocessor.Epoch{ID: 1}))
	assert.Equal(t, map[int64]string{3: "bob"}, names())

	epoch, ok, err := sink.LastEpoch(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), epoch)
}
