package itemstore

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allocbench/internal/alloc"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	return New(alloc.NewRuntimeAllocator(), cfg)
}

func evictAndRelease(t *testing.T, s *Store) *Record {
	t.Helper()
	r, ok := s.EvictOldest()
	require.True(t, ok)
	require.NoError(t, s.Release(r))
	return r
}

func TestStore_Empty(t *testing.T) {
	s := newTestStore(t, Config{})

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.BytesHeld())
	assert.Nil(t, s.Newest())
	assert.Nil(t, s.Oldest())

	r, ok := s.EvictOldest()
	assert.False(t, ok)
	assert.Nil(t, r)
	assert.NoError(t, s.Check())
}

func TestStore_InsertFront(t *testing.T) {
	s := newTestStore(t, Config{})

	r, err := s.InsertFront(100)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(100+Overhead), s.BytesHeld())
	assert.Same(t, r, s.Newest())
	assert.Same(t, r, s.Oldest())
	assert.Equal(t, 100, r.Size())
	assert.Len(t, r.Payload(), 100)
	assert.Equal(t, byte('A'), r.Payload()[0])
	assert.NoError(t, s.Check())
}

func TestStore_ZeroSizeRecord(t *testing.T) {
	s := newTestStore(t, Config{})

	r, err := s.InsertFront(0)
	require.NoError(t, err)
	assert.Empty(t, r.Payload())
	assert.Equal(t, int64(Overhead), s.BytesHeld())

	evictAndRelease(t, s)
	assert.Equal(t, int64(0), s.BytesHeld())
}

func TestStore_InvalidSize(t *testing.T) {
	s := newTestStore(t, Config{MaxItemSize: 1000})

	_, err := s.InsertFront(-1)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = s.InsertFront(1001)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = s.InsertFront(1000)
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestStore_EvictionOrder(t *testing.T) {
	s := newTestStore(t, Config{})

	var inserted []*Record
	for i := 0; i < 10; i++ {
		r, err := s.InsertFront(i * 10)
		require.NoError(t, err)
		inserted = append(inserted, r)
	}

	for i := 0; i < 10; i++ {
		r := evictAndRelease(t, s)
		assert.Same(t, inserted[i], r, "eviction %d", i)
		assert.NoError(t, s.Check())
	}
	assert.Equal(t, 0, s.Len())
}

func TestStore_EvictLastClearsEnds(t *testing.T) {
	s := newTestStore(t, Config{})

	_, err := s.InsertFront(10)
	require.NoError(t, err)
	evictAndRelease(t, s)

	assert.Nil(t, s.Newest())
	assert.Nil(t, s.Oldest())
	assert.NoError(t, s.Check())

	// Refilling after emptying starts a fresh list.
	r, err := s.InsertFront(20)
	require.NoError(t, err)
	assert.Same(t, r, s.Newest())
	assert.Same(t, r, s.Oldest())
	assert.NoError(t, s.Check())
}

func TestStore_AccountingUnderRandomOperations(t *testing.T) {
	s := newTestStore(t, Config{})
	rng := rand.New(rand.NewSource(42))

	var fifo []*Record
	var expected int64
	for i := 0; i < 5000; i++ {
		if len(fifo) > 0 && rng.Intn(3) == 0 {
			r := evictAndRelease(t, s)
			require.Same(t, fifo[0], r)
			fifo = fifo[1:]
			expected -= int64(r.Size() + Overhead)
		} else {
			size := rng.Intn(5000)
			r, err := s.InsertFront(size)
			require.NoError(t, err)
			fifo = append(fifo, r)
			expected += int64(size + Overhead)
		}
		require.Equal(t, expected, s.BytesHeld(), "operation %d", i)
		require.Equal(t, len(fifo), s.Len(), "operation %d", i)
		if i%97 == 0 {
			require.NoError(t, s.Check())
		}
	}

	require.NoError(t, s.DrainAll())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.BytesHeld())
	assert.Equal(t, int64(0), s.Allocator().Stats().BytesInUse)
}

func TestStore_DrainAll(t *testing.T) {
	a := alloc.NewRuntimeAllocator()
	s := New(a, Config{})
	for i := 0; i < 100; i++ {
		_, err := s.InsertFront(i)
		require.NoError(t, err)
	}

	require.NoError(t, s.DrainAll())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.BytesHeld())
	assert.Equal(t, int64(100), a.Stats().Frees)

	// Draining an empty store is a no-op.
	require.NoError(t, s.DrainAll())
	assert.NoError(t, s.Check())
	assert.Equal(t, int64(100), a.Stats().Frees)
}

func TestStore_ReleaseErrors(t *testing.T) {
	s := newTestStore(t, Config{})

	r, err := s.InsertFront(10)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Release(r), ErrStillLinked)

	evicted, ok := s.EvictOldest()
	require.True(t, ok)
	require.NoError(t, s.Release(evicted))
	assert.True(t, evicted.Released())
	assert.Nil(t, evicted.Payload())
	assert.ErrorIs(t, s.Release(evicted), ErrDoubleRelease)
}

func TestStore_AllocationFailure(t *testing.T) {
	pool := alloc.NewMemoryPool("tiny", 200)
	s := New(pool, Config{})

	_, err := s.InsertFront(100)
	require.NoError(t, err)

	_, err = s.InsertFront(100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.ErrorIs(t, err, alloc.ErrOutOfMemory)
	assert.Contains(t, err.Error(), "item_len=124")

	// A failed insert leaves the store untouched.
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(100+Overhead), s.BytesHeld())
	assert.NoError(t, s.Check())
}

func TestStore_PayloadVerification(t *testing.T) {
	s := newTestStore(t, Config{VerifyPayload: true})

	_, err := s.InsertFront(64)
	require.NoError(t, err)
	victim, err := s.InsertFront(64)
	require.NoError(t, err)

	evictAndRelease(t, s)

	victim.Payload()[10] ^= 0xff
	r, ok := s.EvictOldest()
	require.True(t, ok)
	err = s.Release(r)
	assert.ErrorIs(t, err, ErrPayloadCorruption)
}

func TestStore_DrainAggregatesErrors(t *testing.T) {
	s := newTestStore(t, Config{VerifyPayload: true})

	for i := 0; i < 3; i++ {
		r, err := s.InsertFront(32)
		require.NoError(t, err)
		if i != 1 {
			r.Payload()[0] = 'z'
		}
	}

	err := s.DrainAll()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayloadCorruption))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.BytesHeld())
}

func TestStore_CheckDetectsDrift(t *testing.T) {
	s := newTestStore(t, Config{})
	for i := 0; i < 3; i++ {
		_, err := s.InsertFront(10)
		require.NoError(t, err)
	}

	s.bytesHeld++
	assert.ErrorIs(t, s.Check(), ErrCorrupt)
	s.bytesHeld--

	s.count++
	assert.ErrorIs(t, s.Check(), ErrCorrupt)
	s.count--

	s.Oldest().prev.next = nil
	assert.ErrorIs(t, s.Check(), ErrCorrupt)
}

func TestStore_WithSlabAllocator(t *testing.T) {
	sa, err := alloc.NewSlabAllocator(32, 4096, 0)
	require.NoError(t, err)
	s := New(sa, Config{VerifyPayload: true})

	for round := 0; round < 5; round++ {
		for i := 0; i < 50; i++ {
			_, err := s.InsertFront((i * 37) % 5000)
			require.NoError(t, err)
		}
		for i := 0; i < 25; i++ {
			evictAndRelease(t, s)
		}
	}
	require.NoError(t, s.DrainAll())
	assert.Equal(t, int64(0), sa.Stats().BytesInUse)
	assert.Greater(t, sa.Stats().BytesHeld, int64(0), "slab keeps freed chunks cached")
}

func BenchmarkStore_InsertEvict(b *testing.B) {
	s := New(alloc.NewRuntimeAllocator(), Config{})
	for i := 0; i < 1000; i++ {
		s.InsertFront(i)
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		r, _ := s.EvictOldest()
		s.Release(r)
		s.InsertFront(i % 4000)
	}
}
