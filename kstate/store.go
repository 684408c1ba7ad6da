// Package kstate holds the state storage used by record writers and
// stateful processors.
package kstate

import (
	"errors"
	"iter"
)

var (
	ErrKeyNotFound = errors.New("store: key not found")

	// ErrStorage marks a failure of the store itself. Executors treat it as
	// fatal instead of skipping the record.
	ErrStorage = errors.New("store: storage failure")
)

// StoreBackend is the low-level byte-oriented store interface.
// Implemented by the pebble store.
type StoreBackend interface {
	// Name returns the store name
	Name() string

	Set(k, v []byte) error
	Get(k []byte) ([]byte, error)
	Delete(k []byte) error

	// Range returns an iterator over keys in [lower, upper). A nil bound is
	// open.
	Range(lower, upper []byte) iter.Seq2[[]byte, []byte]
	All() iter.Seq2[[]byte, []byte]

	// NewBatch returns a write batch. Writes become visible on Commit.
	NewBatch() Batch

	// Flush persists any cached data
	Flush() error

	// Close closes the store
	Close() error
}

// Batch groups writes that are applied atomically.
type Batch interface {
	Set(k, v []byte) error
	Delete(k []byte) error
	Commit() error
	Close() error
}

// StoreFactory opens the backend with the given name.
type StoreFactory func(name string) (StoreBackend, error)

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if there is none.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Prefix returns an iterator over all keys starting with prefix.
func Prefix(s StoreBackend, prefix []byte) iter.Seq2[[]byte, []byte] {
	return s.Range(prefix, PrefixEnd(prefix))
}
