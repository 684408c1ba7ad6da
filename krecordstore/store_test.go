package krecordstore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/ktypes"
)

func TestRecordRoundTrip(t *testing.T) {
	store := NewStore()

	records := []ktypes.Record{
		ktypes.NewRecord(),
		ktypes.NewRecord(ktypes.NewInt(1), ktypes.NewString("a")),
		ktypes.NewRecord(ktypes.Null(), ktypes.NewFloat(1.5)),
		{
			Values:   []ktypes.Field{ktypes.NewInt(1)},
			Lifetime: &ktypes.Lifetime{Reference: time.Unix(100, 0).UTC(), Duration: time.Second},
		},
	}

	for _, rec := range records {
		t.Run(rec.String(), func(t *testing.T) {
			got := store.LoadRecord(store.CreateRecord(rec))
			assert.True(t, rec.Equal(got), "want %s got %s", rec, got)
		})
	}
}

func TestDeduplication(t *testing.T) {
	store := NewStore()

	a := store.CreateRef([]ktypes.Field{ktypes.NewInt(1), ktypes.NewString("x")})
	b := store.CreateRef([]ktypes.Field{ktypes.NewInt(1), ktypes.NewString("x")})
	c := store.CreateRef([]ktypes.Field{ktypes.NewInt(2), ktypes.NewString("x")})

	assert.True(t, a == b)
	assert.True(t, a != c)
	assert.Equal(t, 2, store.NumRefs())
}

func TestCreateRefCopiesInput(t *testing.T) {
	store := NewStore()
	values := []ktypes.Field{ktypes.NewInt(1)}
	ref := store.CreateRef(values)
	values[0] = ktypes.NewInt(2)

	assert.Equal(t, []ktypes.Field{ktypes.NewInt(1)}, store.LoadRef(ref))
}

func TestProcessorRecordExtend(t *testing.T) {
	store := NewStore()
	left := store.CreateRecord(ktypes.NewRecord(ktypes.NewInt(1), ktypes.NewString("a")))
	right := store.CreateRecord(ktypes.NewRecord(ktypes.NewInt(1), ktypes.NewString("x")))

	joined := left.Clone()
	joined.Extend(right)

	assert.Equal(t, 1, len(left.Refs))
	assert.Equal(t, 4, joined.Len())
	assert.Equal(t, ktypes.NewString("x"), joined.Field(3))
	assert.Equal(t, ktypes.Null(), joined.Field(10))
	assert.Equal(t, []ktypes.Field{ktypes.NewString("a"), ktypes.NewInt(1)}, joined.Key([]int{1, 2}))
}

func TestOperations(t *testing.T) {
	store := NewStore()
	ops := []ktypes.Operation{
		ktypes.Insert(ktypes.NewRecord(ktypes.NewInt(1))),
		ktypes.Delete(ktypes.NewRecord(ktypes.NewInt(2))),
		ktypes.Update(ktypes.NewRecord(ktypes.NewInt(3)), ktypes.NewRecord(ktypes.NewInt(4))),
	}
	for _, op := range ops {
		t.Run(op.String(), func(t *testing.T) {
			got := store.LoadOperation(store.CreateOperation(op))
			assert.True(t, op.Equal(got))
		})
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := NewStore()
	r1 := store.CreateRecord(ktypes.NewRecord(ktypes.NewInt(1)))

	first, n, err := store.SerializeSlice(0)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	r2 := store.CreateRecord(ktypes.Record{
		Values:   []ktypes.Field{ktypes.NewString("b")},
		Lifetime: &ktypes.Lifetime{Reference: time.Unix(5, 0).UTC(), Duration: time.Minute},
	})
	second, n, err := store.SerializeSlice(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	joined := r1.Clone()
	joined.Extend(r2)
	joined.Lifetime = r2.Lifetime
	encoded, err := store.SerializeRecord(joined)
	assert.NoError(t, err)

	restored := NewStore()
	assert.NoError(t, restored.DeserializeAndExtend(first))
	assert.NoError(t, restored.DeserializeAndExtend(second))
	assert.Equal(t, 2, restored.NumRefs())

	decoded, err := restored.DeserializeRecord(encoded)
	assert.NoError(t, err)
	assert.True(t, store.LoadRecord(joined).Equal(restored.LoadRecord(decoded)))

	t.Run("restored refs are interned", func(t *testing.T) {
		ref := restored.CreateRef([]ktypes.Field{ktypes.NewInt(1)})
		assert.True(t, ref == decoded.Refs[0])
		assert.Equal(t, 2, restored.NumRefs())
	})
}

func TestSerializeErrors(t *testing.T) {
	store := NewStore()
	other := NewStore()
	foreign := other.CreateRecord(ktypes.NewRecord(ktypes.NewInt(1)))

	_, err := store.SerializeRecord(foreign)
	assert.True(t, errors.Is(err, ErrUnknownRef))

	_, err = store.DeserializeRef(3)
	assert.True(t, errors.Is(err, ErrRefOutOfRange))

	_, _, err = store.SerializeSlice(5)
	assert.True(t, errors.Is(err, ErrRefOutOfRange))
}

func TestConcurrentCreate(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				rec := ktypes.NewRecord(ktypes.NewInt(int64(j)), ktypes.NewInt(int64(i%2)))
				got := store.LoadRecord(store.CreateRecord(rec))
				if !rec.Equal(got) {
					t.Errorf("mismatch: %s != %s", rec, got)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, store.NumRefs())
}
