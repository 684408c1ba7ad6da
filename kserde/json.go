package kserde

import (
	"encoding/json"
	"fmt"
)

func JSONSerializer[T any]() Serializer[T] {
	return func(t T) ([]byte, error) {
		return json.Marshal(t)
	}
}

func JSONDeserializer[T any]() Deserializer[T] {
	return func(b []byte) (T, error) {
		var deserialized T
		if err := json.Unmarshal(b, &deserialized); err != nil {
			return *new(T), fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return deserialized, nil
	}
}

// JSON is used for human-readable metadata such as checkpoint manifests.
func JSON[T any]() Serde[T] {
	return Serde[T]{
		Serializer:   JSONSerializer[T](),
		Deserializer: JSONDeserializer[T](),
	}
}
