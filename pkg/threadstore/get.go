package threadstore

import (
	"context"
	"runtime"
	"strconv"

	"github.com/coachpo/threadstore/errs"
	"github.com/coachpo/threadstore/internal/observability"
	"github.com/coachpo/threadstore/internal/telemetry"
	"github.com/coachpo/threadstore/internal/tracker"
	"github.com/coachpo/threadstore/internal/tss"
)

// CallSite locates the code that first requested a thread's buffer.
type CallSite = tracker.CallSite

// Get returns th's buffer for the slot, allocating a zero-filled buffer of
// initSize bytes and running the slot's init strategy on th's first access.
// Later calls on the same thread return the same buffer and ignore initSize:
// the first size requested wins, so callers should request a consistent size.
//
// On failure Get returns a nil buffer and nothing is attached to th, so the
// next call starts again from allocation. th must be the calling thread's own
// handle.
func (s *Slot) Get(th *Thread, initSize int) ([]byte, error) {
	return s.get(th, initSize, 1, nil)
}

// GetAt is Get with the allocation site supplied by the caller. Helpers that
// wrap Get pass Caller(1) so the tracker records their own caller.
func (s *Slot) GetAt(th *Thread, initSize int, site CallSite) ([]byte, error) {
	return s.get(th, initSize, 0, &site)
}

// GetCurrent is Get for the thread attached to the calling goroutine.
func (s *Slot) GetCurrent(initSize int) ([]byte, error) {
	th, err := Current()
	if err != nil {
		return nil, err
	}
	return s.get(th, initSize, 1, nil)
}

// Peek returns th's buffer without allocating. It reports false when th has
// no buffer for the slot.
func (s *Slot) Peek(th *Thread) ([]byte, bool) {
	key, err := s.keyFor(th)
	if err != nil {
		return nil, false
	}
	buf, ok := th.table.Get(key).([]byte)
	return buf, ok
}

// Swap installs buf, which the caller reallocated, as th's buffer in place of
// the current one and returns the previous buffer, now owned by the caller.
// The tracking record follows the new buffer. buf is released through the
// slot's strategy at thread exit, so it should come from s.Allocator(); the
// caller hands the returned buffer back with s.Allocator().Free.
func (s *Slot) Swap(th *Thread, buf []byte) ([]byte, error) {
	key, err := s.keyFor(th)
	if err != nil {
		return nil, err
	}
	if cap(buf) == 0 {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithSlot(s.name), errs.WithThread(th.id),
			errs.WithMessage("replacement buffer must have capacity"))
	}
	old, ok := th.table.Get(key).([]byte)
	if !ok {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithSlot(s.name), errs.WithThread(th.id),
			errs.WithMessage("no buffer installed to replace"))
	}
	th.table.Set(key, buf)
	if s.tracker != nil {
		s.tracker.Replace(identity(old), identity(buf), len(buf))
	}
	return old, nil
}

// get serves Get, GetAt and GetCurrent. When site is nil the call site skip
// frames above get's caller is recorded.
func (s *Slot) get(th *Thread, initSize int, skip int, site *CallSite) ([]byte, error) {
	key, err := s.keyFor(th)
	if err != nil {
		return nil, err
	}
	if buf, ok := th.table.Get(key).([]byte); ok {
		return buf, nil
	}

	ctx := context.Background()
	buf, err := s.alloc.Calloc(initSize)
	if err != nil {
		s.metrics.Failed(ctx, s.name, telemetry.ReasonAllocation)
		return nil, errs.New(component, errs.CodeAllocation,
			errs.WithSlot(s.name), errs.WithThread(th.id),
			errs.WithField("size", strconv.Itoa(initSize)),
			errs.WithCause(err))
	}
	if err := s.strategy.Init(buf); err != nil {
		s.alloc.Free(buf)
		s.metrics.Failed(ctx, s.name, telemetry.ReasonCustomInit)
		observability.Log().Debug("threadstore: custom init rejected buffer",
			observability.Field{Key: "slot", Value: s.name},
			observability.Field{Key: "thread", Value: th.name},
			observability.Field{Key: "error", Value: err.Error()})
		return nil, errs.New(component, errs.CodeCustomInit,
			errs.WithSlot(s.name), errs.WithThread(th.id),
			errs.WithCause(err))
	}
	if !th.table.Set(key, buf) {
		s.strategy.Cleanup(buf, s.alloc)
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithSlot(s.name), errs.WithThread(th.id),
			errs.WithMessage("thread storage already destroyed"))
	}

	if s.tracker != nil {
		if site == nil {
			at := Caller(skip + 1)
			site = &at
		}
		s.tracker.Add(identity(buf), tracker.Record{
			Slot:   s.name,
			Thread: th.id,
			Size:   initSize,
			Site:   *site,
		})
	}
	s.metrics.Allocated(ctx, s.name, initSize)
	return buf, nil
}

// keyFor validates th and returns the slot's initialised key.
func (s *Slot) keyFor(th *Thread) (tss.Key, error) {
	if th == nil {
		return tss.Key{}, errs.New(component, errs.CodeNoThread,
			errs.WithSlot(s.name), errs.WithMessage("nil thread"))
	}
	if s.closed.Load() {
		return tss.Key{}, errs.New(component, errs.CodeClosed,
			errs.WithSlot(s.name), errs.WithThread(th.id))
	}
	if th.Exited() || th.table.Sealed() {
		return tss.Key{}, errs.New(component, errs.CodeUnavailable,
			errs.WithSlot(s.name), errs.WithThread(th.id),
			errs.WithMessage("thread has exited"))
	}
	if th.host.registry != s.registry {
		return tss.Key{}, errs.New(component, errs.CodeInvalid,
			errs.WithSlot(s.name), errs.WithThread(th.id),
			errs.WithMessage("thread host and slot use different key registries"))
	}
	key, err := s.ensureKey()
	if err != nil {
		s.metrics.Failed(context.Background(), s.name, telemetry.ReasonKeyInit)
		return tss.Key{}, err
	}
	return key, nil
}

// Caller reports the call site skip frames above the function calling Caller:
// Caller(0) is that function itself, Caller(1) its caller.
func Caller(skip int) CallSite {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallSite{File: "unknown", Function: "unknown"}
	}
	fn := "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	return CallSite{File: file, Function: fn, Line: line}
}
