package kstate

import (
	"errors"
	"fmt"
	"iter"

	"github.com/birdayz/kflow/kserde"
)

// KeyValueStore is a typed view over a StoreBackend.
type KeyValueStore[K, V any] struct {
	backend StoreBackend
	prefix  []byte
	keys    kserde.Serde[K]
	values  kserde.Serde[V]
}

// NewKeyValueStore returns a typed view on all keys of backend below prefix.
func NewKeyValueStore[K, V any](backend StoreBackend, prefix []byte, keys kserde.Serde[K], values kserde.Serde[V]) *KeyValueStore[K, V] {
	return &KeyValueStore[K, V]{
		backend: backend,
		prefix:  prefix,
		keys:    keys,
		values:  values,
	}
}

func (s *KeyValueStore[K, V]) key(k K) ([]byte, error) {
	kb, err := s.keys.Serializer(k)
	if err != nil {
		return nil, fmt.Errorf("serialize key: %w", err)
	}
	return append(append([]byte(nil), s.prefix...), kb...), nil
}

// Get retrieves a value by key.
// Returns (value, true, nil) if found
// Returns (zero, false, nil) if not found
func (s *KeyValueStore[K, V]) Get(k K) (V, bool, error) {
	var zero V
	kb, err := s.key(k)
	if err != nil {
		return zero, false, err
	}
	vb, err := s.backend.Get(kb)
	if errors.Is(err, ErrKeyNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	v, err := s.values.Deserializer(vb)
	if err != nil {
		return zero, false, fmt.Errorf("deserialize value: %w", err)
	}
	return v, true, nil
}

func (s *KeyValueStore[K, V]) Set(k K, v V) error {
	return s.write(s.backend, k, v)
}

// SetBatch stages the write in b.
func (s *KeyValueStore[K, V]) SetBatch(b Batch, k K, v V) error {
	return s.write(b, k, v)
}

func (s *KeyValueStore[K, V]) write(w interface{ Set(k, v []byte) error }, k K, v V) error {
	kb, err := s.key(k)
	if err != nil {
		return err
	}
	vb, err := s.values.Serializer(v)
	if err != nil {
		return fmt.Errorf("serialize value: %w", err)
	}
	return w.Set(kb, vb)
}

func (s *KeyValueStore[K, V]) Delete(k K) error {
	kb, err := s.key(k)
	if err != nil {
		return err
	}
	return s.backend.Delete(kb)
}

// All iterates over every entry below the prefix in key order. Iteration
// stops at the first entry that fails to decode; the error is stored in
// errp if it is not nil.
func (s *KeyValueStore[K, V]) All(errp *error) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for kb, vb := range Prefix(s.backend, s.prefix) {
			k, err := s.keys.Deserializer(kb[len(s.prefix):])
			if err != nil {
				setErr(errp, fmt.Errorf("deserialize key: %w", err))
				return
			}
			v, err := s.values.Deserializer(vb)
			if err != nil {
				setErr(errp, fmt.Errorf("deserialize value: %w", err))
				return
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

func setErr(errp *error, err error) {
	if errp != nil {
		*errp = err
	}
}
