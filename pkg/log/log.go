// Package log builds the process logger of the kflow binary.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
)

// New logs colored text to stdout, or JSON lines to stderr when running
// inside Kubernetes.
func New(level slog.Level) *slog.Logger {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return NewJSON(os.Stderr, level)
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.999Z07:00",
	}))
}

// NewJSON writes JSON lines through zerolog. logr has no warn level, so
// warnings are written at info and a warn threshold behaves like info.
func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"

	threshold := zerologLevel(level)
	if threshold < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(threshold)
	}
	zl := zerolog.New(w).Level(threshold).With().Timestamp().Logger()
	return slog.New(logr.ToSlogHandler(zerologr.New(&zl)))
}

// zerologLevel is the zerolog level zerologr uses for records of level l.
// Debug maps to V(4), which zerologr writes below trace.
func zerologLevel(l slog.Level) zerolog.Level {
	if l >= slog.LevelError {
		return zerolog.ErrorLevel
	}
	v := max(-int(l), 0)
	return zerolog.Level(1 - v)
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
