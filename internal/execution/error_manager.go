package execution

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrorManager counts per-record errors of all nodes of a run. Errors below
// the threshold are logged and the record is skipped.
type ErrorManager struct {
	threshold int64 // 0 means unlimited
	count     atomic.Int64
	log       *slog.Logger
}

// NewThresholdErrorManager fails the run on the n-th error. n < 1 is
// treated as 1.
func NewThresholdErrorManager(n int, log *slog.Logger) *ErrorManager {
	return &ErrorManager{threshold: int64(max(n, 1)), log: log}
}

// NewUnlimitedErrorManager never fails the run.
func NewUnlimitedErrorManager(log *slog.Logger) *ErrorManager {
	return &ErrorManager{log: log}
}

// Report counts err. It returns a fatal error wrapping
// ErrThresholdExceeded and err once the threshold is reached.
func (m *ErrorManager) Report(err error) error {
	n := m.count.Add(1)
	if m.threshold > 0 && n >= m.threshold {
		return fmt.Errorf("%w after %d errors: %w", ErrThresholdExceeded, n, err)
	}
	m.log.Warn("Skipping record", "error", err, "errors", n)
	return nil
}

// Count returns the number of reported errors.
func (m *ErrorManager) Count() int64 {
	return m.count.Load()
}
