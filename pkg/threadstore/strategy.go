package threadstore

// Strategy customises the lifecycle of a slot's per-thread buffers. Init runs
// right after a thread's buffer is allocated; a non-nil error discards the
// buffer. Cleanup runs when the owning thread exits and must fully release
// the buffer, normally by handing it to alloc.Free.
type Strategy interface {
	Init(buf []byte) error
	Cleanup(buf []byte, alloc Allocator)
}

// DefaultStrategy performs no custom init and frees the buffer on cleanup.
type DefaultStrategy struct{}

// Init accepts every buffer.
func (DefaultStrategy) Init([]byte) error { return nil }

// Cleanup returns buf to the allocator.
func (DefaultStrategy) Cleanup(buf []byte, alloc Allocator) { alloc.Free(buf) }

// StrategyFuncs adapts plain functions to Strategy. A nil InitFunc accepts
// every buffer; a nil CleanupFunc frees the buffer.
type StrategyFuncs struct {
	InitFunc    func(buf []byte) error
	CleanupFunc func(buf []byte, alloc Allocator)
}

// Init calls InitFunc.
func (s StrategyFuncs) Init(buf []byte) error {
	if s.InitFunc == nil {
		return nil
	}
	return s.InitFunc(buf)
}

// Cleanup calls CleanupFunc.
func (s StrategyFuncs) Cleanup(buf []byte, alloc Allocator) {
	if s.CleanupFunc == nil {
		alloc.Free(buf)
		return
	}
	s.CleanupFunc(buf, alloc)
}
