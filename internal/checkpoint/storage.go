// Package checkpoint persists epochs: source positions, processor state and
// the record store, so that a run can resume from the last complete epoch.
package checkpoint

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("checkpoint: object not found")
	ErrCorrupt  = errors.New("checkpoint: corrupt object")
)

// Storage is a flat object store addressed by slash-separated keys.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) error

	// Get returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
