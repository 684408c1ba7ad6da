package kflow

import (
	"io"
	"log/slog"
	"time"

	"github.com/birdayz/kflow/internal/checkpoint"
	"github.com/birdayz/kflow/kprocessor"
)

// Option is a function that configures an Executor
type Option func(*Executor)

// WithLog sets the logger for the executor
var WithLog = func(log *slog.Logger) Option {
	return func(e *Executor) {
		e.log = log
	}
}

// WithChannelBufferSize sets the capacity of every edge channel. Sends block
// while a channel is full.
var WithChannelBufferSize = func(n int) Option {
	return func(e *Executor) {
		e.channelBufferSize = n
	}
}

// WithPollTimeout sets how long a node waits for input before it is polled.
var WithPollTimeout = func(timeout time.Duration) Option {
	return func(e *Executor) {
		e.pollTimeout = timeout
	}
}

// WithErrorThreshold makes the run fail on the n-th per-record error.
var WithErrorThreshold = func(n int) Option {
	return func(e *Executor) {
		e.errorThreshold = n
		e.unlimitedErrors = false
	}
}

// WithUnlimitedErrors logs and skips every per-record error.
var WithUnlimitedErrors = func() Option {
	return func(e *Executor) {
		e.unlimitedErrors = true
	}
}

// WithStateDir keeps state stores on disk below dir. Without it, state lives
// in memory and is lost with the process.
var WithStateDir = func(dir string) Option {
	return func(e *Executor) {
		e.stateDir = dir
	}
}

// WithCheckpointStorage enables checkpointing to storage.
var WithCheckpointStorage = func(storage CheckpointStorage) Option {
	return func(e *Executor) {
		e.storage = storage
		e.s3 = nil
	}
}

// WithLocalCheckpoints writes checkpoints to files below dir.
var WithLocalCheckpoints = func(dir string) Option {
	return WithCheckpointStorage(checkpoint.NewLocalStorage(dir))
}

// WithS3Checkpoints writes checkpoints to an S3 compatible object store. The
// connection is made when Run starts.
var WithS3Checkpoints = func(cfg S3Config) Option {
	return func(e *Executor) {
		e.storage = nil
		e.s3 = &cfg
	}
}

// WithInterceptors wraps every processor's Process call.
var WithInterceptors = func(interceptors ...kprocessor.ProcessorInterceptor) Option {
	return func(e *Executor) {
		e.interceptors = append(e.interceptors, interceptors...)
	}
}

// S3Config configures S3 checkpoint storage.
type S3Config = checkpoint.S3Config

// NewS3Config returns a config for a TLS endpoint with keys under "kflow".
func NewS3Config(endpoint, bucket, accessKey, secretKey string) S3Config {
	return S3Config{
		Endpoint:  endpoint,
		Bucket:    bucket,
		Prefix:    "kflow",
		AccessKey: accessKey,
		SecretKey: secretKey,
		Secure:    true,
	}
}

// NullLogger returns a logger that discards everything.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CheckpointStorage is where checkpoints are written. Implementations must
// make Put atomic.
type CheckpointStorage = checkpoint.Storage
