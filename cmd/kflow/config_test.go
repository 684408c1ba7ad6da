package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/ktypes"
)

const shopConfig = `
log_level: debug
channel_buffer_size: 8
error_threshold: 0
sources:
  - connection: shop
    generator:
      tables:
        - name: customers
          fields:
            - {name: id, type: int, primary: true}
            - {name: region, type: string}
          rows:
            - [1, "eu"]
            - [2, "us"]
        - name: orders
          fields:
            - {name: id, type: int, primary: true}
            - {name: customer, type: int}
            - {name: amount, type: decimal}
          rows:
            - [10, 1, "5.5"]
            - [11, 2, "3"]
            - [12, 1, "1"]
pipeline:
  join:
    type: inner
    left: {table: orders, key: [customer]}
    right: {table: customers, key: [id]}
  aggregation:
    dimensions:
      - field: region
    measures:
      - {field: amount, func: sum, rename: total}
      - {field: amount, func: count, rename: orders}
  sink:
    log: {}
`

func sinkSchema(t *testing.T, s *kdag.DagSchemas) ktypes.Schema {
	t.Helper()
	idx, ok := s.Dag().NodeByHandle(ktypes.NodeHandle{Namespace: 1, ID: "sink"})
	assert.True(t, ok)
	for _, schema := range s.InputSchemas(idx) {
		return schema
	}
	t.Fatal("sink has no input")
	return ktypes.Schema{}
}

func TestConfig(t *testing.T) {
	t.Run("join aggregate log", func(t *testing.T) {
		cfg, err := parseConfig([]byte(shopConfig))
		assert.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)

		p, err := cfg.build(kflow.NullLogger())
		assert.NoError(t, err)
		e, err := kflow.New(p.dag, append(p.opts, kflow.WithLog(kflow.NullLogger()))...)
		assert.NoError(t, err)

		schema := sinkSchema(t, e.Schemas())
		var names []string
		for _, f := range schema.Fields {
			names = append(names, f.Name)
		}
		assert.Equal(t, []string{"region", "total", "orders"}, names)
		assert.Equal(t, []int{0}, schema.PrimaryIndex)
		assert.Equal(t, ktypes.KindDecimal, schema.Fields[1].Typ)

		assert.NoError(t, e.Run(context.Background()))
	})

	t.Run("from table", func(t *testing.T) {
		cfg, err := parseConfig([]byte(`
sources:
  - connection: shop
    generator:
      tables:
        - name: customers
          fields: [{name: id, type: int, primary: true}]
          rows: [[1]]
pipeline:
  from: {table: customers}
  sink:
    log: {}
`))
		assert.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
		p, err := cfg.build(kflow.NullLogger())
		assert.NoError(t, err)
		assert.Equal(t, 2, p.dag.Len())
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := parseConfig([]byte("sourcez: []\n"))
		assert.True(t, errors.Is(err, ErrConfig))
	})

	t.Run("invalid", func(t *testing.T) {
		for name, edit := range map[string][2]string{
			"field type":   {"type: decimal", "type: money"},
			"row value":    {`"5.5"`, `"five"`},
			"join type":    {"type: inner", "type: cross"},
			"join table":   {"table: orders, key", "table: invoices, key"},
			"aggregate fn": {"func: count", "func: median"},
			"missing sink": {"log: {}", ""},
			"join key":     {"key: [customer]", "key: [client]"},
		} {
			t.Run(name, func(t *testing.T) {
				cfg, err := parseConfig([]byte(strings.Replace(shopConfig, edit[0], edit[1], 1)))
				if err == nil {
					_, err = cfg.build(kflow.NullLogger())
				}
				assert.True(t, errors.Is(err, ErrConfig), "%v", err)
			})
		}
	})

	t.Run("generator and kafka", func(t *testing.T) {
		cfg, err := parseConfig([]byte(strings.Replace(shopConfig, "    generator:", "    kafka: {topic: t}\n    generator:", 1)))
		assert.NoError(t, err)
		_, err = cfg.build(kflow.NullLogger())
		assert.True(t, errors.Is(err, ErrConfig))
	})
}

func TestPrintSchemas(t *testing.T) {
	cfg, err := parseConfig([]byte(shopConfig))
	assert.NoError(t, err)
	p, err := cfg.build(kflow.NullLogger())
	assert.NoError(t, err)
	e, err := kflow.New(p.dag, kflow.WithLog(kflow.NullLogger()))
	assert.NoError(t, err)

	var out bytes.Buffer
	printSchemas(&out, e.Schemas())
	assert.Contains(t, out.String(), "shop (Source)\n")
	assert.Contains(t, out.String(), "1_sink (Sink)\n")
	assert.Contains(t, out.String(), "[region String pk, total Decimal?, orders Int?]")
}
