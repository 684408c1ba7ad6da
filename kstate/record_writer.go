package kstate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/ktypes"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrNoPrimaryKey   = errors.New("schema has no primary key")
)

// Key layout of a record writer backend.
var (
	metaNextOpKey  = []byte("m/next_op")
	metaNextRowKey = []byte("m/next_row")
	logPrefix      = []byte("l/")
	versionPrefix  = []byte("v/")
	latestPrefix   = []byte("k/")
)

const (
	tombstone byte = 0
	live      byte = 1
)

// RecordWriter persists the records leaving a stateful output port. Write
// returns the operation that must be forwarded downstream.
type RecordWriter interface {
	Write(op ktypes.Operation) (ktypes.Operation, error)
	Commit() error
}

// opLog is the append-only operation log shared by both writers.
type opLog struct {
	backend StoreBackend
	batch   Batch
	nextOp  uint64
}

func newOpLog(backend StoreBackend) (*opLog, error) {
	next, err := readCounter(backend, metaNextOpKey)
	if err != nil {
		return nil, err
	}
	return &opLog{backend: backend, batch: backend.NewBatch(), nextOp: next}, nil
}

func (l *opLog) append(kind ktypes.OpKind, r ktypes.Record) error {
	key := binary.BigEndian.AppendUint64(append([]byte(nil), logPrefix...), l.nextOp)
	value := kserde.AppendRecord([]byte{byte(kind)}, r)
	if err := l.batch.Set(key, value); err != nil {
		return err
	}
	l.nextOp++
	return l.batch.Set(metaNextOpKey, binary.BigEndian.AppendUint64(nil, l.nextOp))
}

func (l *opLog) commit() error {
	if err := l.batch.Commit(); err != nil {
		return fmt.Errorf("commit record writer batch: %w", err)
	}
	if err := l.batch.Close(); err != nil {
		return err
	}
	l.batch = l.backend.NewBatch()
	return nil
}

// Replay calls fn for every logged operation with an id of at least
// fromOpID, in log order. Updates appear as a delete followed by an insert.
func Replay(backend StoreBackend, fromOpID uint64, fn func(opID uint64, op ktypes.Operation) error) error {
	start := binary.BigEndian.AppendUint64(append([]byte(nil), logPrefix...), fromOpID)
	for k, v := range backend.Range(start, PrefixEnd(logPrefix)) {
		if len(k) != len(logPrefix)+8 || len(v) < 1 {
			return fmt.Errorf("%w: log entry %x", kserde.ErrMalformed, k)
		}
		r, err := kserde.Record.Deserializer(v[1:])
		if err != nil {
			return err
		}
		var op ktypes.Operation
		switch kind := ktypes.OpKind(v[0]); kind {
		case ktypes.OpInsert:
			op = ktypes.Insert(r)
		case ktypes.OpDelete:
			op = ktypes.Delete(r)
		default:
			return fmt.Errorf("%w: log entry kind %s", kserde.ErrMalformed, kind)
		}
		if err := fn(binary.BigEndian.Uint64(k[len(logPrefix):]), op); err != nil {
			return err
		}
	}
	return nil
}

func readCounter(backend StoreBackend, key []byte) (uint64, error) {
	b, err := backend.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return kserde.Uint64.Deserializer(b)
}

// PrimaryKeyLookupRecordWriter keeps every version of every record,
// addressed by primary key.
type PrimaryKeyLookupRecordWriter struct {
	log    *opLog
	schema ktypes.Schema
	// Staged latest versions. A nil record is a tombstone.
	pending map[string]pendingVersion
}

type pendingVersion struct {
	version uint32
	record  *ktypes.Record
}

func NewPrimaryKeyLookupRecordWriter(backend StoreBackend, schema ktypes.Schema) (*PrimaryKeyLookupRecordWriter, error) {
	log, err := newOpLog(backend)
	if err != nil {
		return nil, fmt.Errorf("open record writer %s: %w", backend.Name(), err)
	}
	return &PrimaryKeyLookupRecordWriter{
		log:     log,
		schema:  schema,
		pending: make(map[string]pendingVersion),
	}, nil
}

func (w *PrimaryKeyLookupRecordWriter) Write(op ktypes.Operation) (ktypes.Operation, error) {
	switch op.Kind {
	case ktypes.OpInsert:
		return op, w.insert(op.New)
	case ktypes.OpDelete:
		old, err := w.delete(op.Old)
		if err != nil {
			return ktypes.Operation{}, err
		}
		return ktypes.Delete(old), nil
	case ktypes.OpUpdate:
		old, err := w.delete(op.Old)
		if err != nil {
			return ktypes.Operation{}, err
		}
		if err := w.insert(op.New); err != nil {
			return ktypes.Operation{}, err
		}
		return ktypes.Update(old, op.New), nil
	default:
		return ktypes.Operation{}, fmt.Errorf("unknown operation kind %d", op.Kind)
	}
}

func (w *PrimaryKeyLookupRecordWriter) key(r ktypes.Record) []byte {
	if !w.schema.HasPrimaryKey() {
		return kserde.AppendKey(nil, r.Values)
	}
	return kserde.AppendKey(nil, r.Key(w.schema.PrimaryIndex))
}

func (w *PrimaryKeyLookupRecordWriter) insert(r ktypes.Record) error {
	key := w.key(r)
	version, err := w.lastVersion(key)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if err := w.writeVersion(key, version+1, &r); err != nil {
		return err
	}
	return w.log.append(ktypes.OpInsert, r)
}

func (w *PrimaryKeyLookupRecordWriter) delete(r ktypes.Record) (ktypes.Record, error) {
	if !w.schema.HasPrimaryKey() {
		return ktypes.Record{}, ErrNoPrimaryKey
	}
	key := w.key(r)
	version, err := w.lastVersion(key)
	if err != nil {
		return ktypes.Record{}, err
	}
	old, err := w.get(key, version)
	if err != nil {
		return ktypes.Record{}, err
	}
	if err := w.writeVersion(key, version+1, nil); err != nil {
		return ktypes.Record{}, err
	}
	return old, w.log.append(ktypes.OpDelete, old)
}

func (w *PrimaryKeyLookupRecordWriter) writeVersion(key []byte, version uint32, r *ktypes.Record) error {
	value := []byte{tombstone}
	if r != nil {
		value = kserde.AppendRecord([]byte{live}, *r)
	}
	if err := w.log.batch.Set(versionKey(key, version), value); err != nil {
		return err
	}
	if err := setVersion(w.log.batch, key, version); err != nil {
		return err
	}
	w.pending[string(key)] = pendingVersion{version: version, record: r}
	return nil
}

func (w *PrimaryKeyLookupRecordWriter) lastVersion(key []byte) (uint32, error) {
	if p, ok := w.pending[string(key)]; ok {
		return p.version, nil
	}
	return lastVersion(w.log.backend, key)
}

func (w *PrimaryKeyLookupRecordWriter) get(key []byte, version uint32) (ktypes.Record, error) {
	if p, ok := w.pending[string(key)]; ok && p.version == version {
		if p.record == nil {
			return ktypes.Record{}, fmt.Errorf("%w: key %x deleted at version %d", ErrRecordNotFound, key, version)
		}
		return *p.record, nil
	}
	return getVersion(w.log.backend, key, version)
}

// Commit applies all staged writes.
func (w *PrimaryKeyLookupRecordWriter) Commit() error {
	if err := w.log.commit(); err != nil {
		return err
	}
	clear(w.pending)
	return nil
}

func versionKey(key []byte, version uint32) []byte {
	b := append(append([]byte(nil), versionPrefix...), key...)
	return binary.BigEndian.AppendUint32(b, version)
}

func latestKey(key []byte) []byte {
	return append(append([]byte(nil), latestPrefix...), key...)
}

func lastVersion(backend StoreBackend, key []byte) (uint32, error) {
	b, err := backend.Get(latestKey(key))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: key %x", ErrRecordNotFound, key)
	}
	if err != nil {
		return 0, err
	}
	v, err := kserde.Uint32.Deserializer(b)
	if err != nil {
		return 0, fmt.Errorf("version of key %x: %w", key, err)
	}
	return v, nil
}

func setVersion(b Batch, key []byte, version uint32) error {
	v, err := kserde.Uint32.Serializer(version)
	if err != nil {
		return err
	}
	return b.Set(latestKey(key), v)
}

func getVersion(backend StoreBackend, key []byte, version uint32) (ktypes.Record, error) {
	b, err := backend.Get(versionKey(key, version))
	if errors.Is(err, ErrKeyNotFound) {
		return ktypes.Record{}, fmt.Errorf("%w: key %x version %d", ErrRecordNotFound, key, version)
	}
	if err != nil {
		return ktypes.Record{}, err
	}
	if len(b) == 0 {
		return ktypes.Record{}, fmt.Errorf("%w: empty version entry", kserde.ErrMalformed)
	}
	if b[0] == tombstone {
		return ktypes.Record{}, fmt.Errorf("%w: key %x deleted at version %d", ErrRecordNotFound, key, version)
	}
	return kserde.Record.Deserializer(b[1:])
}

// AutogenRowKeyLookupRecordWriter assigns every inserted record a row key
// and stores it under that key.
type AutogenRowKeyLookupRecordWriter struct {
	log     *opLog
	nextRow uint64
}

func NewAutogenRowKeyLookupRecordWriter(backend StoreBackend) (*AutogenRowKeyLookupRecordWriter, error) {
	log, err := newOpLog(backend)
	if err != nil {
		return nil, fmt.Errorf("open record writer %s: %w", backend.Name(), err)
	}
	next, err := readCounter(backend, metaNextRowKey)
	if err != nil {
		return nil, fmt.Errorf("open record writer %s: %w", backend.Name(), err)
	}
	if next == 0 {
		next = 1
	}
	return &AutogenRowKeyLookupRecordWriter{log: log, nextRow: next}, nil
}

func (w *AutogenRowKeyLookupRecordWriter) Write(op ktypes.Operation) (ktypes.Operation, error) {
	if op.Kind != ktypes.OpInsert {
		return ktypes.Operation{}, fmt.Errorf("%w: %s on row key lookup port", ErrNoPrimaryKey, op.Kind)
	}
	r := op.New.Clone()
	r.Values = append(r.Values, ktypes.NewUInt(w.nextRow))
	key := kserde.AppendKey(nil, []ktypes.Field{ktypes.NewUInt(w.nextRow)})
	if err := w.log.batch.Set(versionKey(key, 1), kserde.AppendRecord([]byte{live}, r)); err != nil {
		return ktypes.Operation{}, err
	}
	if err := setVersion(w.log.batch, key, 1); err != nil {
		return ktypes.Operation{}, err
	}
	w.nextRow++
	if err := w.log.batch.Set(metaNextRowKey, binary.BigEndian.AppendUint64(nil, w.nextRow)); err != nil {
		return ktypes.Operation{}, err
	}
	if err := w.log.append(ktypes.OpInsert, r); err != nil {
		return ktypes.Operation{}, err
	}
	return ktypes.Insert(r), nil
}

func (w *AutogenRowKeyLookupRecordWriter) Commit() error {
	return w.log.commit()
}

var (
	_ RecordWriter = (*PrimaryKeyLookupRecordWriter)(nil)
	_ RecordWriter = (*AutogenRowKeyLookupRecordWriter)(nil)
)
