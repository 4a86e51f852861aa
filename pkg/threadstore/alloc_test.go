package threadstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/threadstore/config"
)

func TestHeapAllocatorLimits(t *testing.T) {
	alloc := HeapAllocator{MaxSize: 32}

	buf, err := alloc.Calloc(32)
	require.NoError(t, err)
	require.Len(t, buf, 32)

	_, err = alloc.Calloc(33)
	require.ErrorIs(t, err, ErrAllocation)
	_, err = alloc.Calloc(-1)
	require.ErrorIs(t, err, ErrAllocation)

	empty, err := alloc.Calloc(0)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.Equal(t, 1, cap(empty))
	require.NotZero(t, identity(empty))
}

func TestPooledAllocatorReusesZeroedBuffers(t *testing.T) {
	alloc := NewPooledAllocator(0)

	buf, err := alloc.Calloc(100)
	require.NoError(t, err)
	require.Len(t, buf, 100)
	require.Equal(t, 128, cap(buf))
	require.Equal(t, int64(1), alloc.Outstanding())

	for i := range buf {
		buf[i] = 0xAB
	}
	alloc.Free(buf)
	require.Equal(t, int64(0), alloc.Outstanding())

	// sync.Pool may drop entries, so only check zeroing when reuse happened.
	again, err := alloc.Calloc(120)
	require.NoError(t, err)
	require.Len(t, again, 120)
	require.Equal(t, make([]byte, 120), again)
	if alloc.Reused() > 0 {
		require.Equal(t, 128, cap(again))
	}
}

func TestPooledAllocatorLargeRequestsBypassPools(t *testing.T) {
	alloc := NewPooledAllocator(4 << 20)

	buf, err := alloc.Calloc(2 << 20)
	require.NoError(t, err)
	require.Len(t, buf, 2<<20)
	alloc.Free(buf)
	require.Equal(t, int64(0), alloc.Outstanding())

	_, err = alloc.Calloc(5 << 20)
	require.ErrorIs(t, err, ErrAllocation)
}

func TestSizeClass(t *testing.T) {
	cases := []struct {
		size  int
		class int
		ok    bool
	}{
		{size: 0, class: minPooledClass, ok: true},
		{size: 16, class: 4, ok: true},
		{size: 17, class: 5, ok: true},
		{size: 1024, class: 10, ok: true},
		{size: 1025, class: 11, ok: true},
		{size: 1 << 20, class: 20, ok: true},
		{size: 1<<20 + 1, ok: false},
	}
	for _, tc := range cases {
		class, ok := sizeClass(tc.size)
		require.Equal(t, tc.ok, ok, "size %d", tc.size)
		if tc.ok {
			require.Equal(t, tc.class, class, "size %d", tc.size)
		}
	}
}

func TestNewAllocatorSelectsKind(t *testing.T) {
	require.IsType(t, HeapAllocator{}, NewAllocator(config.AllocatorHeap, 0))
	require.IsType(t, &PooledAllocator{}, NewAllocator(config.AllocatorPooled, 0))
	require.IsType(t, HeapAllocator{}, NewAllocator("", 0))
}

func TestDefaultStrategyFreesToAllocator(t *testing.T) {
	alloc := NewPooledAllocator(0)
	buf, err := alloc.Calloc(8)
	require.NoError(t, err)

	require.NoError(t, DefaultStrategy{}.Init(buf))
	DefaultStrategy{}.Cleanup(buf, alloc)
	require.Equal(t, int64(0), alloc.Outstanding())

	buf, err = alloc.Calloc(8)
	require.NoError(t, err)
	StrategyFuncs{}.Cleanup(buf, alloc)
	require.Equal(t, int64(0), alloc.Outstanding())
	require.NoError(t, StrategyFuncs{}.Init(buf))
}

func TestPooledAllocatorIgnoresForeignAndDoubleFrees(t *testing.T) {
	alloc := NewPooledAllocator(0)

	alloc.Free(make([]byte, 64))
	require.Equal(t, int64(0), alloc.Outstanding())

	buf, err := alloc.Calloc(64)
	require.NoError(t, err)
	alloc.Free(buf)
	alloc.Free(buf)
	require.Equal(t, int64(0), alloc.Outstanding())
}

func TestPooledAllocatorCountsAcrossSwap(t *testing.T) {
	host, r := newTestHost(t)
	alloc := NewPooledAllocator(0)
	slot := NewSlot("swapped", WithRegistry(r), WithAllocator(alloc), WithTracker(nil))

	var old []byte
	require.NoError(t, host.Run("worker", func(th *Thread) {
		_, err := slot.Get(th, 32)
		require.NoError(t, err)
		old, err = slot.Swap(th, make([]byte, 64))
		require.NoError(t, err)
	}))
	require.Equal(t, int64(1), alloc.Outstanding())

	slot.Allocator().Free(old)
	require.Equal(t, int64(0), alloc.Outstanding())
}
