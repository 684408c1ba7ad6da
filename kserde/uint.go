package kserde

import (
	"encoding/binary"
	"fmt"
)

// Uint64Serializer encodes big-endian so encoded keys sort numerically.
var Uint64Serializer = func(data uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, data), nil
}

var Uint64Deserializer = func(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: uint64 requires exactly 8 bytes, got %d", ErrMalformed, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

var Uint64 = Serde[uint64]{
	Serializer:   Uint64Serializer,
	Deserializer: Uint64Deserializer,
}

var Uint32Serializer = func(data uint32) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, data), nil
}

var Uint32Deserializer = func(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: uint32 requires exactly 4 bytes, got %d", ErrMalformed, len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}

var Uint32 = Serde[uint32]{
	Serializer:   Uint32Serializer,
	Deserializer: Uint32Deserializer,
}
