package threadstore

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/coachpo/threadstore/config"
	"github.com/coachpo/threadstore/errs"
)

// Allocator supplies zero-filled per-thread buffers and takes them back when
// a cleanup strategy releases them.
type Allocator interface {
	Calloc(size int) ([]byte, error)
	Free(buf []byte)
}

// HeapAllocator allocates with make and leaves reclamation to the GC.
type HeapAllocator struct {
	// MaxSize caps a single request; zero means config.DefaultMaxAllocSize.
	MaxSize int
}

// Calloc returns a zeroed buffer of length size.
func (h HeapAllocator) Calloc(size int) ([]byte, error) {
	if err := checkSize(size, h.MaxSize); err != nil {
		return nil, err
	}
	return make([]byte, size, max(size, 1)), nil
}

// Free drops the buffer.
func (HeapAllocator) Free([]byte) {}

const (
	minPooledClass = 4  // 16 bytes
	maxPooledClass = 20 // 1 MiB
)

// PooledAllocator recycles released buffers through power-of-two size-class
// free lists. Requests above 1 MiB bypass the pools. Free ignores buffers the
// allocator did not hand out, and buffers already freed.
type PooledAllocator struct {
	maxSize     int
	classes     [maxPooledClass + 1]sync.Pool
	handed      sync.Map // identity -> struct{}
	outstanding atomic.Int64
	reused      atomic.Int64
}

// NewPooledAllocator constructs a pooled allocator capping requests at
// maxSize bytes; a non-positive maxSize selects config.DefaultMaxAllocSize.
func NewPooledAllocator(maxSize int) *PooledAllocator {
	return &PooledAllocator{maxSize: maxSize}
}

// Calloc returns a zeroed buffer of length size, reusing a released buffer of
// the same size class when one is available.
func (p *PooledAllocator) Calloc(size int) ([]byte, error) {
	if err := checkSize(size, p.maxSize); err != nil {
		return nil, err
	}
	class, ok := sizeClass(size)
	if !ok {
		return p.hand(make([]byte, size)), nil
	}
	if v := p.classes[class].Get(); v != nil {
		buf := (*v.(*[]byte))[:size]
		clear(buf)
		p.reused.Add(1)
		return p.hand(buf), nil
	}
	return p.hand(make([]byte, size, 1<<class)), nil
}

func (p *PooledAllocator) hand(buf []byte) []byte {
	p.handed.Store(identity(buf), struct{}{})
	p.outstanding.Add(1)
	return buf
}

// Free returns buf to its size-class free list. Buffers not currently handed
// out by p are left to the GC.
func (p *PooledAllocator) Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	if _, ok := p.handed.LoadAndDelete(identity(buf)); !ok {
		return
	}
	p.outstanding.Add(-1)
	class, ok := sizeClass(cap(buf))
	if !ok || cap(buf) != 1<<class {
		return
	}
	full := buf[:cap(buf)]
	p.classes[class].Put(&full)
}

// Outstanding returns the number of buffers handed out and not yet freed.
func (p *PooledAllocator) Outstanding() int64 { return p.outstanding.Load() }

// Reused returns how many requests were served from a free list.
func (p *PooledAllocator) Reused() int64 { return p.reused.Load() }

func sizeClass(size int) (int, bool) {
	if size <= 1<<minPooledClass {
		return minPooledClass, true
	}
	class := bits.Len(uint(size - 1))
	if class > maxPooledClass {
		return 0, false
	}
	return class, true
}

func checkSize(size, limit int) error {
	if limit <= 0 {
		limit = config.DefaultMaxAllocSize
	}
	if size < 0 || size > limit {
		return errs.New(component, errs.CodeAllocation,
			errs.WithMessage(fmt.Sprintf("cannot allocate %d bytes (limit %d)", size, limit)))
	}
	return nil
}

// NewAllocator builds the allocator selected by kind.
func NewAllocator(kind config.AllocatorKind, maxSize int) Allocator {
	if kind == config.AllocatorPooled {
		return NewPooledAllocator(maxSize)
	}
	return HeapAllocator{MaxSize: maxSize}
}

// identity returns the address of buf's backing array, which is distinct for
// every live buffer handed out by an Allocator.
func identity(buf []byte) uintptr {
	if cap(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
