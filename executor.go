// Package kflow runs dataflow DAGs: sources ingest change events, processors
// derive incremental changes and sinks persist them. Progress is checkpointed
// in epochs so that a restarted run resumes from the last complete epoch.
package kflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdayz/kflow/internal/checkpoint"
	"github.com/birdayz/kflow/internal/execution"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kstate"
	"github.com/birdayz/kflow/kstate/pebble"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var (
	// ErrAlreadyRunning is returned by Run if the executor was started before.
	ErrAlreadyRunning = errors.New("kflow: executor already running")

	// ErrInvalidConfig is returned by New for out of range options.
	ErrInvalidConfig = errors.New("kflow: invalid config")
)

type Executor struct {
	schemas *kdag.DagSchemas
	runID   string

	log *slog.Logger

	channelBufferSize int
	pollTimeout       time.Duration

	errorThreshold  int
	unlimitedErrors bool

	stateDir string

	storage CheckpointStorage
	s3      *S3Config

	interceptors []kprocessor.ProcessorInterceptor

	started  atomic.Bool
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	closeErr error
}

// New validates dag and derives the schema of every edge.
func New(dag *kdag.Dag, opts ...Option) (*Executor, error) {
	e := &Executor{
		runID:             uuid.NewString(),
		log:               NullLogger(),
		channelBufferSize: 20,
		pollTimeout:       100 * time.Millisecond,
		errorThreshold:    1,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.channelBufferSize < 1 {
		return nil, fmt.Errorf("%w: channel buffer size %d", ErrInvalidConfig, e.channelBufferSize)
	}
	if e.pollTimeout <= 0 {
		return nil, fmt.Errorf("%w: poll timeout %s", ErrInvalidConfig, e.pollTimeout)
	}

	schemas, err := kdag.NewDagSchemas(dag)
	if err != nil {
		return nil, err
	}
	e.schemas = schemas
	e.running.Store(true)

	return e, nil
}

// MustNew is New, panicking on errors. Meant for setup code.
func MustNew(dag *kdag.Dag, opts ...Option) *Executor {
	e, err := New(dag, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// RunID identifies this run in logs and checkpoint metadata.
func (e *Executor) RunID() string {
	return e.runID
}

// Schemas returns the derived schemas of the dag.
func (e *Executor) Schemas() *kdag.DagSchemas {
	return e.schemas
}

// Run restores the last complete checkpoint, if checkpointing is enabled,
// and executes the dag until every source is exhausted, a fatal error
// occurs, or Close is called. An executor can only be run once.
func (e *Executor) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	log := e.log.With("run_id", e.runID)

	storage, err := e.checkpointStorage(ctx)
	if err != nil {
		return err
	}

	store := krecordstore.NewStore()

	var cp *checkpoint.Checkpointer
	if storage != nil {
		cp = checkpoint.NewCheckpointer(storage, store, e.runID, execution.Participants(e.schemas), log.WithGroup("checkpoint"))
	}

	restored, err := cp.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if restored != nil {
		log.Info("Restored checkpoint", "epoch", restored.Epoch.ID, "previous_run_id", restored.RunID, "records", store.NumRefs())
	}

	d, err := execution.NewExecutionDag(e.schemas, store, execution.Config{
		ChannelBufferSize: e.channelBufferSize,
		PollTimeout:       e.pollTimeout,
		Errors:            e.errorManager(log),
		Checkpointer:      cp,
		Restored:          restored,
		OpenStore:         e.storeFactory(),
		Running:           &e.running,
		Stop:              e.stop,
		Interceptors:      e.interceptors,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	if storage != nil && e.stateDir == "" && e.hasStatefulPorts() {
		log.Warn("Record writers keep their state in memory; stateful ports cannot resolve old records after a restart without a state dir")
	}
	log.Info("Starting run", "nodes", e.schemas.Dag().Len(), "checkpoints", storage != nil)
	runErr := d.Run(ctx)
	closeErr := d.Close()

	e.mu.Lock()
	e.closeErr = closeErr
	e.mu.Unlock()

	if runErr != nil {
		log.Error("Run failed", "error", runErr)
		return multierr.Append(runErr, closeErr)
	}
	log.Info("Run finished")
	return closeErr
}

func (e *Executor) checkpointStorage(ctx context.Context) (CheckpointStorage, error) {
	if e.s3 == nil {
		return e.storage, nil
	}
	s, err := checkpoint.NewS3Storage(ctx, *e.s3)
	if err != nil {
		return nil, fmt.Errorf("checkpoint storage: %w", err)
	}
	return s, nil
}

func (e *Executor) errorManager(log *slog.Logger) *execution.ErrorManager {
	if e.unlimitedErrors {
		return execution.NewUnlimitedErrorManager(log)
	}
	return execution.NewThresholdErrorManager(e.errorThreshold, log)
}

func (e *Executor) hasStatefulPorts() bool {
	dag := e.schemas.Dag()
	for i := range dag.Len() {
		for _, port := range dag.Node(kdag.NodeIndex(i)).OutputPorts() {
			if port.Typ.IsStateful() {
				return true
			}
		}
	}
	return false
}

func (e *Executor) storeFactory() kstate.StoreFactory {
	if e.stateDir == "" {
		return pebble.NewInMemoryStoreBackend()
	}
	return pebble.NewStoreBackend(e.stateDir)
}

// Close stops the sources. The dag drains, sinks flush their last epoch and
// Run returns. Close waits for that and reports errors from closing the
// state stores.
func (e *Executor) Close() error {
	e.running.Store(false)
	e.stopOnce.Do(func() { close(e.stop) })
	if !e.started.Load() {
		return nil
	}
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeErr
}
