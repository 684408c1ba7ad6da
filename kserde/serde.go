// Package kserde holds the byte codecs used for state, record logs and
// checkpoints.
package kserde

// Serde pairs a serializer with its deserializer.
type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)
