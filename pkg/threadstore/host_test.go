package threadstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/threadstore/internal/tracker"
)

func TestRunReturnsPanicAndStillCleansUp(t *testing.T) {
	host, r := newTestHost(t)
	tr := tracker.New()
	slot := NewSlot("panicky", WithRegistry(r), WithTracker(tr))

	var handle *Thread
	err := host.Run("worker", func(th *Thread) {
		handle = th
		_, err := slot.Get(th, 8)
		require.NoError(t, err)
		panic("boom")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.True(t, handle.Exited())
	require.Equal(t, 0, tr.Count())
	require.Equal(t, 0, host.Live())
}

func TestOnExitRunsBeforeDestructorsInReverseOrder(t *testing.T) {
	host, r := newTestHost(t)
	var order []string
	strategy := StrategyFuncs{
		CleanupFunc: func(buf []byte, alloc Allocator) {
			order = append(order, "cleanup")
			alloc.Free(buf)
		},
	}
	slot := NewCustomSlot("ordered", strategy, WithRegistry(r), WithTracker(nil))

	require.NoError(t, host.Run("worker", func(th *Thread) {
		th.OnExit(func() { order = append(order, "first") })
		th.OnExit(nil)
		th.OnExit(func() { order = append(order, "second") })
		th.OnExit(func() { panic("ignored") })
		_, err := slot.Get(th, 1)
		require.NoError(t, err)
	}))
	require.Equal(t, []string{"second", "first", "cleanup"}, order)
}

func TestGetFromExitCallbackIsCleanedUp(t *testing.T) {
	host, r := newTestHost(t)
	tr := tracker.New()
	alloc := new(countingAllocator)
	var cleanups int
	strategy := StrategyFuncs{
		CleanupFunc: func(buf []byte, a Allocator) {
			cleanups++
			a.Free(buf)
		},
	}
	slot := NewCustomSlot("exit-scratch", strategy, WithRegistry(r), WithAllocator(alloc), WithTracker(tr))

	var callbackErr error
	require.NoError(t, host.Run("worker", func(th *Thread) {
		th.OnExit(func() {
			buf, err := slot.Get(th, 8)
			if err == nil {
				copy(buf, "goodbye")
			}
			callbackErr = err
		})
	}))

	require.NoError(t, callbackErr)
	require.Equal(t, 0, tr.CountSlot("exit-scratch"))
	require.Equal(t, int64(1), alloc.callocs.Load())
	require.Equal(t, 1, cleanups)
	require.Equal(t, alloc.callocs.Load(), alloc.frees.Load())
}

func TestGetAfterDestructorRoundsIsRefused(t *testing.T) {
	host, r := newTestHost(t)
	tr := tracker.New()
	alloc := new(countingAllocator)
	var (
		late    *Slot
		lateErr error
	)
	// Every destructor run reinstalls a buffer for the slot itself, so the
	// rounds run out and the final pass must refuse the last reinstall.
	strategy := StrategyFuncs{
		CleanupFunc: func(buf []byte, a Allocator) {
			a.Free(buf)
			if th, err := Current(); err == nil {
				_, lateErr = late.Get(th, 4)
			}
		},
	}
	late = NewCustomSlot("greedy", strategy, WithRegistry(r), WithAllocator(alloc), WithTracker(tr))

	require.NoError(t, host.Run("worker", func(th *Thread) {
		_, err := late.Get(th, 4)
		require.NoError(t, err)
	}))

	require.ErrorIs(t, lateErr, ErrThreadExited)
	require.Equal(t, 0, tr.CountSlot("greedy"))
	require.Equal(t, alloc.callocs.Load(), alloc.frees.Load())
}

func TestAttachNestedReturnsExistingThread(t *testing.T) {
	host, _ := newTestHost(t)

	th, detach := host.Attach("outer")
	inner, innerDetach := host.Attach("inner")
	require.Same(t, th, inner)
	require.Equal(t, "outer", inner.Name())
	innerDetach()
	require.False(t, th.Exited())

	cur, err := Current()
	require.NoError(t, err)
	require.Same(t, th, cur)
	require.Equal(t, 1, host.Live())

	detach()
	require.True(t, th.Exited())
	_, err = Current()
	require.ErrorIs(t, err, ErrNoThread)
	require.Equal(t, 0, host.Live())
	require.Equal(t, 1, host.Started())
}

func TestHostCountsThreads(t *testing.T) {
	host, r := newTestHost(t)
	require.Same(t, r, host.Registry())

	const threads = 5
	var mu sync.Mutex
	ids := make(map[string]struct{})
	for i := 0; i < threads; i++ {
		host.Go("", func(th *Thread) {
			require.Same(t, host, th.Host())
			require.NotEmpty(t, th.Name())
			mu.Lock()
			ids[th.ID()] = struct{}{}
			mu.Unlock()
		})
	}
	require.Nil(t, host.WaitAndRecover())
	require.Len(t, ids, threads)
	require.Equal(t, threads, host.Started())
	require.Equal(t, 0, host.Live())
}

func TestDestructorMayReinstallDuringExit(t *testing.T) {
	host, r := newTestHost(t)
	alloc := new(countingAllocator)
	var late *Slot
	strategy := StrategyFuncs{
		CleanupFunc: func(buf []byte, a Allocator) {
			a.Free(buf)
			th, err := Current()
			if err != nil {
				return
			}
			_, _ = late.Get(th, 4)
		},
	}
	first := NewCustomSlot("first", strategy, WithRegistry(r), WithAllocator(alloc), WithTracker(nil))
	late = NewSlot("late", WithRegistry(r), WithAllocator(alloc), WithTracker(nil))

	require.NoError(t, host.Run("worker", func(th *Thread) {
		_, err := first.Get(th, 4)
		require.NoError(t, err)
	}))
	require.Equal(t, int64(2), alloc.callocs.Load())
	require.Equal(t, int64(2), alloc.frees.Load())
}

func TestDefaultHostIsShared(t *testing.T) {
	require.Same(t, DefaultHost(), DefaultHost())
}
