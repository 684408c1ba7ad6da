package krecordstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/ktypes"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrUnknownRef    = errors.New("krecordstore: ref does not belong to this store")
	ErrRefOutOfRange = errors.New("krecordstore: ref index out of range")
)

// Store interns field vectors. It is shared by all nodes of one run and
// safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records []*RecordRef
	dedup   map[string]*RecordRef
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		dedup: make(map[string]*RecordRef),
	}
}

// NumRefs returns the number of interned refs.
func (s *Store) NumRefs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CreateRef interns values. Equal values yield the same ref.
func (s *Store) CreateRef(values []ktypes.Field) *RecordRef {
	key := string(kserde.AppendFields(nil, values))

	s.mu.RLock()
	ref, ok := s.dedup[key]
	s.mu.RUnlock()
	if ok {
		return ref
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.dedup[key]; ok {
		return ref
	}
	return s.appendLocked(key, values)
}

func (s *Store) appendLocked(key string, values []ktypes.Field) *RecordRef {
	ref := &RecordRef{
		values: append([]ktypes.Field(nil), values...),
		index:  uint64(len(s.records)),
	}
	s.records = append(s.records, ref)
	if _, exists := s.dedup[key]; !exists {
		s.dedup[key] = ref
	}
	return ref
}

// LoadRef returns a copy of the values behind ref.
func (s *Store) LoadRef(ref *RecordRef) []ktypes.Field {
	return append([]ktypes.Field(nil), ref.values...)
}

// CreateRecord interns r as a single-ref ProcessorRecord.
func (s *Store) CreateRecord(r ktypes.Record) ProcessorRecord {
	pr := ProcessorRecord{Refs: []*RecordRef{s.CreateRef(r.Values)}}
	if r.Lifetime != nil {
		lt := *r.Lifetime
		pr.Lifetime = &lt
	}
	return pr
}

// LoadRecord materializes r.
func (s *Store) LoadRecord(r ProcessorRecord) ktypes.Record {
	out := ktypes.Record{Values: r.Values()}
	if r.Lifetime != nil {
		lt := *r.Lifetime
		out.Lifetime = &lt
	}
	return out
}

// CreateOperation interns every record of op.
func (s *Store) CreateOperation(op ktypes.Operation) Operation {
	switch op.Kind {
	case ktypes.OpInsert:
		return Insert(s.CreateRecord(op.New))
	case ktypes.OpDelete:
		return Delete(s.CreateRecord(op.Old))
	default:
		return Update(s.CreateRecord(op.Old), s.CreateRecord(op.New))
	}
}

// LoadOperation materializes every record of op.
func (s *Store) LoadOperation(op Operation) ktypes.Operation {
	switch op.Kind {
	case ktypes.OpInsert:
		return ktypes.Insert(s.LoadRecord(op.New))
	case ktypes.OpDelete:
		return ktypes.Delete(s.LoadRecord(op.Old))
	default:
		return ktypes.Update(s.LoadRecord(op.Old), s.LoadRecord(op.New))
	}
}

// SerializeSlice encodes every ref created at or after start. It returns the
// data and the number of refs it holds.
func (s *Store) SerializeSlice(start int) ([]byte, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start < 0 || start > len(s.records) {
		return nil, 0, fmt.Errorf("%w: start %d, have %d", ErrRefOutOfRange, start, len(s.records))
	}
	slice := s.records[start:]
	b := protowire.AppendVarint(nil, uint64(len(slice)))
	for _, ref := range slice {
		b = kserde.AppendFields(b, ref.values)
	}
	return b, len(slice), nil
}

// DeserializeAndExtend appends refs encoded by SerializeSlice. Indexes are
// preserved as long as slices are replayed in the order they were taken.
func (s *Store) DeserializeAndExtend(data []byte) error {
	count, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return fmt.Errorf("%w: slice length: %w", kserde.ErrMalformed, protowire.ParseError(n))
	}
	decoded := make([][]ktypes.Field, 0, min(count, uint64(len(data))))
	for range count {
		values, m, err := kserde.ConsumeFields(data[n:])
		if err != nil {
			return err
		}
		decoded = append(decoded, values)
		n += m
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", kserde.ErrMalformed, len(data)-n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, values := range decoded {
		s.appendLocked(string(kserde.AppendFields(nil, values)), values)
	}
	return nil
}

// SerializeRef returns the stable index of ref.
func (s *Store) SerializeRef(ref *RecordRef) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.index >= uint64(len(s.records)) || s.records[ref.index] != ref {
		return 0, ErrUnknownRef
	}
	return ref.index, nil
}

// DeserializeRef returns the ref at index.
func (s *Store) DeserializeRef(index uint64) (*RecordRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.records)) {
		return nil, fmt.Errorf("%w: %d", ErrRefOutOfRange, index)
	}
	return s.records[index], nil
}

// AppendRecord appends r encoded as ref indexes plus lifetime.
func (s *Store) AppendRecord(b []byte, r ProcessorRecord) ([]byte, error) {
	b = protowire.AppendVarint(b, uint64(len(r.Refs)))
	for _, ref := range r.Refs {
		idx, err := s.SerializeRef(ref)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendVarint(b, idx)
	}
	return kserde.AppendLifetime(b, r.Lifetime), nil
}

// ConsumeRecord decodes a record written by AppendRecord.
func (s *Store) ConsumeRecord(b []byte) (ProcessorRecord, int, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return ProcessorRecord{}, 0, fmt.Errorf("%w: ref count: %w", kserde.ErrMalformed, protowire.ParseError(n))
	}
	if count > uint64(len(b)) {
		return ProcessorRecord{}, 0, fmt.Errorf("%w: ref count %d exceeds input", kserde.ErrMalformed, count)
	}
	r := ProcessorRecord{Refs: make([]*RecordRef, 0, count)}
	for range count {
		idx, m := protowire.ConsumeVarint(b[n:])
		if m < 0 {
			return ProcessorRecord{}, 0, fmt.Errorf("%w: ref index: %w", kserde.ErrMalformed, protowire.ParseError(m))
		}
		n += m
		ref, err := s.DeserializeRef(idx)
		if err != nil {
			return ProcessorRecord{}, 0, err
		}
		r.Refs = append(r.Refs, ref)
	}
	lt, m, err := kserde.ConsumeLifetime(b[n:])
	if err != nil {
		return ProcessorRecord{}, 0, err
	}
	r.Lifetime = lt
	return r, n + m, nil
}

// SerializeRecord encodes r as ref indexes plus lifetime.
func (s *Store) SerializeRecord(r ProcessorRecord) ([]byte, error) {
	return s.AppendRecord(nil, r)
}

// DeserializeRecord decodes a record encoded by SerializeRecord.
func (s *Store) DeserializeRecord(b []byte) (ProcessorRecord, error) {
	r, n, err := s.ConsumeRecord(b)
	if err != nil {
		return ProcessorRecord{}, err
	}
	if n != len(b) {
		return ProcessorRecord{}, fmt.Errorf("%w: %d trailing bytes", kserde.ErrMalformed, len(b)-n)
	}
	return r, nil
}
