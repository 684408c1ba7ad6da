package kstate

import (
	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/ktypes"
)

// RecordReader looks up records persisted by a record writer.
type RecordReader interface {
	Get(key []ktypes.Field, version uint32) (ktypes.Record, error)
}

// PrimaryKeyLookupRecordReader reads committed records written by a
// PrimaryKeyLookupRecordWriter or an AutogenRowKeyLookupRecordWriter. For
// the latter, the key is the row key.
type PrimaryKeyLookupRecordReader struct {
	backend StoreBackend
}

func NewPrimaryKeyLookupRecordReader(backend StoreBackend) *PrimaryKeyLookupRecordReader {
	return &PrimaryKeyLookupRecordReader{backend: backend}
}

// Get returns the record at the given version. A deleted version returns
// ErrRecordNotFound.
func (r *PrimaryKeyLookupRecordReader) Get(key []ktypes.Field, version uint32) (ktypes.Record, error) {
	return getVersion(r.backend, kserde.AppendKey(nil, key), version)
}

// LastVersion returns the newest version of key, including tombstones.
func (r *PrimaryKeyLookupRecordReader) LastVersion(key []ktypes.Field) (uint32, error) {
	return lastVersion(r.backend, kserde.AppendKey(nil, key))
}

// Latest returns the current record for key.
func (r *PrimaryKeyLookupRecordReader) Latest(key []ktypes.Field) (ktypes.Record, error) {
	k := kserde.AppendKey(nil, key)
	version, err := lastVersion(r.backend, k)
	if err != nil {
		return ktypes.Record{}, err
	}
	return getVersion(r.backend, k, version)
}

var _ RecordReader = (*PrimaryKeyLookupRecordReader)(nil)
