// Package pebble provides a kstate.StoreBackend on top of
// github.com/cockroachdb/pebble.
package pebble

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"

	"github.com/birdayz/kflow/kstate"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/multierr"
)

type pebbleStore struct {
	name string
	db   *pebble.DB
}

func (s *pebbleStore) Name() string {
	return s.name
}

func (s *pebbleStore) Flush() error {
	return s.db.Flush()
}

func (s *pebbleStore) Close() error {
	return multierr.Combine(s.db.Flush(), s.db.Close())
}

func (s *pebbleStore) Set(k, v []byte) error {
	if v == nil {
		return s.db.Delete(k, pebble.NoSync)
	}
	return s.db.Set(k, v, pebble.NoSync)
}

func (s *pebbleStore) Get(k []byte) ([]byte, error) {
	v, closer, err := s.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, kstate.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *pebbleStore) Delete(k []byte) error {
	return s.db.Delete(k, pebble.NoSync)
}

func (s *pebbleStore) Range(start, end []byte) iter.Seq2[[]byte, []byte] {
	return s.iterate(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
}

func (s *pebbleStore) All() iter.Seq2[[]byte, []byte] {
	return s.iterate(nil)
}

func (s *pebbleStore) iterate(opts *pebble.IterOptions) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		it := s.db.NewIter(opts)
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())

			val, err := it.ValueAndErr()
			if err != nil {
				return
			}
			value := make([]byte, len(val))
			copy(value, val)

			if !yield(key, value) {
				return
			}
		}
	}
}

func (s *pebbleStore) NewBatch() kstate.Batch {
	return &batch{b: s.db.NewBatch()}
}

type batch struct {
	b *pebble.Batch
}

func (b *batch) Set(k, v []byte) error {
	return b.b.Set(k, v, nil)
}

func (b *batch) Delete(k []byte) error {
	return b.b.Delete(k, nil)
}

func (b *batch) Commit() error {
	return b.b.Commit(pebble.Sync)
}

func (b *batch) Close() error {
	return b.b.Close()
}

func open(dir, name string, opts *pebble.Options) (kstate.StoreBackend, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &pebbleStore{name: name, db: db}, nil
}

// NewStoreBackend returns a factory opening stores below stateDir.
func NewStoreBackend(stateDir string) kstate.StoreFactory {
	if stateDir == "" {
		stateDir = filepath.Join("/tmp", "kflow")
	}
	return func(name string) (kstate.StoreBackend, error) {
		return open(filepath.Join(stateDir, name), name, &pebble.Options{})
	}
}

// NewInMemoryStoreBackend returns a factory opening stores that live in
// memory only.
func NewInMemoryStoreBackend() kstate.StoreFactory {
	return func(name string) (kstate.StoreBackend, error) {
		return open(name, name, &pebble.Options{FS: vfs.NewMem()})
	}
}

var _ kstate.StoreBackend = (*pebbleStore)(nil)
