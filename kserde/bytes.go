package kserde

// Bytes copies on decode; backends may reuse the buffers they return.
var Bytes = Serde[[]byte]{
	Serializer: func(data []byte) ([]byte, error) {
		return data, nil
	},
	Deserializer: func(data []byte) ([]byte, error) {
		return append([]byte(nil), data...), nil
	},
}
