package join

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/kserde"
	"github.com/birdayz/kflow/ktypes"
	"google.golang.org/protobuf/encoding/protowire"
)

// bucket holds the live records of one join key, grouped by primary key in
// insertion order. A primary key may occur more than once; the multiplicity
// is the length of its slice.
type bucket struct {
	order []string
	byPK  map[string][]krecordstore.ProcessorRecord
	count int
}

func newBucket() *bucket {
	return &bucket{byPK: make(map[string][]krecordstore.ProcessorRecord)}
}

func (b *bucket) push(pk string, r krecordstore.ProcessorRecord) {
	if _, ok := b.byPK[pk]; !ok {
		b.order = append(b.order, pk)
	}
	b.byPK[pk] = append(b.byPK[pk], r)
	b.count++
}

// take removes the newest record of pk that match accepts. A nil match
// accepts any record.
func (b *bucket) take(pk string, match func(krecordstore.ProcessorRecord) bool) (krecordstore.ProcessorRecord, bool) {
	records := b.byPK[pk]
	i := len(records) - 1
	for match != nil && i >= 0 && !match(records[i]) {
		i--
	}
	if i < 0 {
		return krecordstore.ProcessorRecord{}, false
	}
	r := records[i]
	if len(records) == 1 {
		delete(b.byPK, pk)
		b.order = slices.DeleteFunc(b.order, func(k string) bool { return k == pk })
	} else {
		b.byPK[pk] = slices.Delete(records, i, i+1)
	}
	b.count--
	return r, true
}

type lifetimeEntry struct {
	expiry  time.Time
	joinKey string
	pk      string
}

// JoinTable indexes the live records of one join branch by join key.
type JoinTable struct {
	joinKeyIndexes    []int
	primaryKeyIndexes []int
	defaultRecord     krecordstore.ProcessorRecord

	buckets map[string]*bucket
	// identities maps a primary key to the join keys it was filed under,
	// most recent last.
	identities map[string][]string
	// lifetimes is sorted by expiry.
	lifetimes []lifetimeEntry
}

// NewJoinTable creates an empty table. Without a primary key in schema,
// records are identified by all of their fields.
func NewJoinTable(schema ktypes.Schema, joinKeyIndexes []int, store *krecordstore.Store) *JoinTable {
	pk := schema.PrimaryIndex
	if len(pk) == 0 {
		pk = make([]int, len(schema.Fields))
		for i := range pk {
			pk[i] = i
		}
	}
	return &JoinTable{
		joinKeyIndexes:    joinKeyIndexes,
		primaryKeyIndexes: pk,
		defaultRecord:     store.CreateRecord(schema.NullRecord()),
		buckets:           make(map[string]*bucket),
		identities:        make(map[string][]string),
	}
}

func encodeKey(r krecordstore.ProcessorRecord, indexes []int) string {
	return string(kserde.AppendKey(nil, r.Key(indexes)))
}

// DefaultRecord is the all-NULL record of this branch.
func (t *JoinTable) DefaultRecord() krecordstore.ProcessorRecord {
	return t.defaultRecord
}

// Insert files r under its join key and returns that key.
func (t *JoinTable) Insert(r krecordstore.ProcessorRecord) string {
	jk := encodeKey(r, t.joinKeyIndexes)
	pk := encodeKey(r, t.primaryKeyIndexes)
	t.insert(jk, pk, r)
	return jk
}

func (t *JoinTable) insert(jk, pk string, r krecordstore.ProcessorRecord) {
	b, ok := t.buckets[jk]
	if !ok {
		b = newBucket()
		t.buckets[jk] = b
	}
	b.push(pk, r)
	t.identities[pk] = append(t.identities[pk], jk)

	if r.Lifetime != nil {
		e := lifetimeEntry{expiry: r.Lifetime.Expiry(), joinKey: jk, pk: pk}
		i, _ := slices.BinarySearchFunc(t.lifetimes, e.expiry, func(a lifetimeEntry, at time.Time) int {
			// Insert after entries with the same expiry.
			if a.expiry.After(at) {
				return 1
			}
			return -1
		})
		t.lifetimes = slices.Insert(t.lifetimes, i, e)
	}
}

// Remove takes the record identified by r's primary key out of the table.
// The join key is the one the record was inserted with, so r only needs to
// carry the primary key fields. ok is false if no such record is live.
func (t *JoinTable) Remove(r krecordstore.ProcessorRecord) (joinKey string, removed krecordstore.ProcessorRecord, ok bool) {
	pk := encodeKey(r, t.primaryKeyIndexes)
	jks := t.identities[pk]
	if len(jks) == 0 {
		return encodeKey(r, t.joinKeyIndexes), krecordstore.ProcessorRecord{}, false
	}
	jk := jks[len(jks)-1]
	removed, ok = t.remove(jk, pk, nil)
	if ok && removed.Lifetime != nil {
		t.dropLifetime(removed.Lifetime.Expiry(), jk, pk)
	}
	return jk, removed, ok
}

// remove takes the newest record of pk under jk accepted by match, and its
// identity entry.
func (t *JoinTable) remove(jk, pk string, match func(krecordstore.ProcessorRecord) bool) (krecordstore.ProcessorRecord, bool) {
	b, ok := t.buckets[jk]
	if !ok {
		return krecordstore.ProcessorRecord{}, false
	}
	r, ok := b.take(pk, match)
	if !ok {
		return krecordstore.ProcessorRecord{}, false
	}
	if b.count == 0 {
		delete(t.buckets, jk)
	}

	jks := t.identities[pk]
	for i := len(jks) - 1; i >= 0; i-- {
		if jks[i] == jk {
			jks = slices.Delete(jks, i, i+1)
			break
		}
	}
	if len(jks) == 0 {
		delete(t.identities, pk)
	} else {
		t.identities[pk] = jks
	}
	return r, true
}

func (t *JoinTable) dropLifetime(expiry time.Time, jk, pk string) {
	i, _ := slices.BinarySearchFunc(t.lifetimes, expiry, func(a lifetimeEntry, at time.Time) int {
		return a.expiry.Compare(at)
	})
	for ; i < len(t.lifetimes) && t.lifetimes[i].expiry.Equal(expiry); i++ {
		if e := t.lifetimes[i]; e.joinKey == jk && e.pk == pk {
			t.lifetimes = slices.Delete(t.lifetimes, i, i+1)
			return
		}
	}
}

// Matches returns the live records filed under joinKey.
func (t *JoinTable) Matches(joinKey string) []krecordstore.ProcessorRecord {
	b, ok := t.buckets[joinKey]
	if !ok {
		return nil
	}
	out := make([]krecordstore.ProcessorRecord, 0, b.count)
	for _, pk := range b.order {
		out = append(out, b.byPK[pk]...)
	}
	return out
}

// Count returns the number of live records filed under joinKey.
func (t *JoinTable) Count(joinKey string) int {
	if b, ok := t.buckets[joinKey]; ok {
		return b.count
	}
	return 0
}

// Len returns the number of distinct join keys.
func (t *JoinTable) Len() int {
	return len(t.buckets)
}

// EvictIndex drops every record that expired at or before now. It returns
// the number of records dropped. Nothing is emitted for them. When a primary
// key has several records, only the expired ones go.
func (t *JoinTable) EvictIndex(now time.Time) int {
	n := 0
	for n < len(t.lifetimes) && !t.lifetimes[n].expiry.After(now) {
		e := t.lifetimes[n]
		t.remove(e.joinKey, e.pk, func(r krecordstore.ProcessorRecord) bool {
			return r.Lifetime != nil && r.Lifetime.Expiry().Equal(e.expiry)
		})
		n++
	}
	t.lifetimes = slices.Delete(t.lifetimes, 0, n)
	return n
}

// appendTo encodes the table as ref indexes of store. Lifetime and identity
// indexes are derived from the records and not written.
func (t *JoinTable) appendTo(b []byte, store *krecordstore.Store) ([]byte, error) {
	b, err := store.AppendRecord(b, t.defaultRecord)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendVarint(b, uint64(len(t.buckets)))
	for _, jk := range slices.Sorted(maps.Keys(t.buckets)) {
		bk := t.buckets[jk]
		b = protowire.AppendBytes(b, []byte(jk))
		b = protowire.AppendVarint(b, uint64(len(bk.order)))
		for _, pk := range bk.order {
			records := bk.byPK[pk]
			b = protowire.AppendBytes(b, []byte(pk))
			b = protowire.AppendVarint(b, uint64(len(records)))
			for _, r := range records {
				if b, err = store.AppendRecord(b, r); err != nil {
					return nil, err
				}
			}
		}
	}
	return b, nil
}

// consumeFrom restores a table written by appendTo.
func (t *JoinTable) consumeFrom(b []byte, store *krecordstore.Store) (int, error) {
	d := decoder{b: b, store: store}
	t.defaultRecord = d.record()
	for range d.varint() {
		jk := string(d.bytes())
		for range d.varint() {
			pk := string(d.bytes())
			for range d.varint() {
				r := d.record()
				if d.err != nil {
					return 0, d.err
				}
				t.insert(jk, pk, r)
			}
		}
	}
	return d.n, d.err
}

type decoder struct {
	b     []byte
	n     int
	store *krecordstore.Store
	err   error
}

func (d *decoder) varint() uint64 {
	if d.err != nil {
		return 0
	}
	v, m := protowire.ConsumeVarint(d.b[d.n:])
	if m < 0 {
		d.err = fmt.Errorf("%w: %w", kserde.ErrMalformed, protowire.ParseError(m))
		return 0
	}
	d.n += m
	// Every element takes at least one byte.
	if v > uint64(len(d.b)-d.n) {
		d.err = fmt.Errorf("%w: length %d exceeds input", kserde.ErrMalformed, v)
		return 0
	}
	return v
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	v, m := protowire.ConsumeBytes(d.b[d.n:])
	if m < 0 {
		d.err = fmt.Errorf("%w: %w", kserde.ErrMalformed, protowire.ParseError(m))
		return nil
	}
	d.n += m
	return v
}

func (d *decoder) record() krecordstore.ProcessorRecord {
	if d.err != nil {
		return krecordstore.ProcessorRecord{}
	}
	r, m, err := d.store.ConsumeRecord(d.b[d.n:])
	if err != nil {
		d.err = err
		return krecordstore.ProcessorRecord{}
	}
	d.n += m
	return r
}
