package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	assert.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestNewJSON(t *testing.T) {
	t.Run("fields and groups", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewJSON(&buf, slog.LevelInfo).With("run_id", "r1").WithGroup("checkpoint")
		log.Info("Epoch complete", "epoch", 3, "took", time.Second, "err", errors.New("boom"))

		m := decode(t, buf.Bytes())
		assert.Equal(t, "info", m["level"])
		assert.Equal(t, "Epoch complete", m["message"])
		assert.Equal(t, "r1", m["run_id"])
		assert.Equal[any](t, float64(3), m["checkpoint.epoch"])
		assert.Equal(t, "boom", m["checkpoint.err"])
		assert.NotZero(t, m["time"])
	})

	t.Run("level filter", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewJSON(&buf, slog.LevelError)
		log.Info("dropped")
		log.Warn("dropped")
		assert.Equal(t, 0, buf.Len())
		log.Error("kept", slog.Group("node", "id", "join"))
		m := decode(t, buf.Bytes())
		assert.Equal(t, "error", m["level"])
		assert.Equal(t, "kept", m["message"])
		assert.Equal(t, "join", m["node.id"])
	})

	t.Run("debug", func(t *testing.T) {
		var buf bytes.Buffer
		NewJSON(&buf, slog.LevelInfo).Debug("dropped")
		assert.Equal(t, 0, buf.Len())

		NewJSON(&buf, slog.LevelDebug).Info("kept", "epoch", 1)
		m := decode(t, buf.Bytes())
		assert.Equal(t, "info", m["level"])
		assert.Equal(t, "kept", m["message"])
		assert.Equal[any](t, float64(1), m["epoch"])
	})
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
