package threadstore

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/threadstore/errs"
	"github.com/coachpo/threadstore/internal/observability"
	"github.com/coachpo/threadstore/internal/tss"
)

// bound maps goroutine ids of attached threads to their *Thread.
var bound sync.Map

// Host is the thread-lifecycle facility: it starts threads, binds them to
// their goroutine and runs their exit machinery when the body returns.
type Host struct {
	registry     *tss.Registry
	lockOSThread bool
	wg           conc.WaitGroup
	live         atomic.Int64
	started      atomic.Int64
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostRegistry sets the key registry whose destructors run at thread
// exit. Slots used on this host's threads must share it.
func WithHostRegistry(r *tss.Registry) HostOption {
	return func(h *Host) {
		if r != nil {
			h.registry = r
		}
	}
}

// WithoutOSThreadLock lets started threads migrate between OS threads.
func WithoutOSThreadLock() HostOption {
	return func(h *Host) {
		h.lockOSThread = false
	}
}

// NewHost constructs a host using the process-wide key registry.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		registry:     tss.Default(),
		lockOSThread: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

var (
	defaultHost     *Host
	defaultHostOnce sync.Once
)

// DefaultHost returns the process-wide host.
func DefaultHost() *Host {
	defaultHostOnce.Do(func() {
		defaultHost = NewHost()
	})
	return defaultHost
}

// Go starts body on a new thread. The goroutine stays locked to its OS thread
// for the body's duration unless WithoutOSThreadLock was given. Once body
// returns or panics, the thread's exit callbacks and then its destructors
// run. Panics are re-raised by Wait.
func (h *Host) Go(name string, body func(*Thread)) {
	h.wg.Go(func() {
		if h.lockOSThread {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		th, detach := h.Attach(name)
		defer detach()
		body(th)
	})
}

// Run starts body on a new thread and waits for it and its exit machinery
// to finish. A panic in body is returned as an error.
func (h *Host) Run(name string, body func(*Thread)) error {
	var wg conc.WaitGroup
	wg.Go(func() {
		if h.lockOSThread {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		th, detach := h.Attach(name)
		defer detach()
		body(th)
	})
	if rec := wg.WaitAndRecover(); rec != nil {
		return rec.AsError()
	}
	return nil
}

// Wait blocks until every thread started with Go has exited, re-panicking if
// any of them panicked.
func (h *Host) Wait() { h.wg.Wait() }

// WaitAndRecover blocks like Wait and returns the first recovered panic.
func (h *Host) WaitAndRecover() *panics.Recovered { return h.wg.WaitAndRecover() }

// Live returns the number of attached threads that have not exited.
func (h *Host) Live() int { return int(h.live.Load()) }

// Started returns the number of threads ever attached to h.
func (h *Host) Started() int { return int(h.started.Load()) }

// Registry returns the key registry used by h's threads.
func (h *Host) Registry() *tss.Registry { return h.registry }

// Attach adopts the calling goroutine as a thread of h. The returned detach
// function runs the exit machinery and must be called from the same
// goroutine. If the goroutine is already attached its existing thread is
// returned with a no-op detach.
func (h *Host) Attach(name string) (*Thread, func()) {
	gid := goroutineID()
	if v, ok := bound.Load(gid); ok {
		return v.(*Thread), func() {}
	}
	th := &Thread{
		id:    uuid.NewString(),
		name:  name,
		host:  h,
		gid:   gid,
		table: tss.NewTable(),
	}
	if th.name == "" {
		th.name = "thread-" + th.id[:8]
	}
	bound.Store(gid, th)
	h.live.Add(1)
	h.started.Add(1)
	return th, func() {
		if err := th.exit(); err != nil {
			observability.Log().Error("threadstore: thread exit reported failures",
				observability.Field{Key: "thread", Value: th.name},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

// Current returns the thread attached to the calling goroutine.
func Current() (*Thread, error) {
	if v, ok := bound.Load(goroutineID()); ok {
		return v.(*Thread), nil
	}
	return nil, errs.New(component, errs.CodeNoThread,
		errs.WithMessage("calling goroutine is not attached to a host"))
}

const (
	threadRunning int32 = iota
	threadExiting
	threadExited
)

// Thread is the handle of one running thread. Its storage table is touched
// only by the thread itself.
type Thread struct {
	id     string
	name   string
	host   *Host
	gid    int64
	table  *tss.Table
	state  atomic.Int32
	onExit []func()
}

// ID returns the thread's unique identifier.
func (t *Thread) ID() string { return t.id }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Host returns the host that started t.
func (t *Thread) Host() *Host { return t.host }

// Exited reports whether t's exit machinery has completed.
func (t *Thread) Exited() bool { return t.state.Load() == threadExited }

// OnExit registers fn to run when t exits, before the thread's storage
// destructors, so buffers fetched by fn are still cleaned up. Callbacks run in
// reverse registration order.
func (t *Thread) OnExit(fn func()) {
	if fn == nil {
		return
	}
	t.onExit = append(t.onExit, fn)
}

func (t *Thread) exit() error {
	if !t.state.CompareAndSwap(threadRunning, threadExiting) {
		return nil
	}
	var failures []error
	for i := len(t.onExit) - 1; i >= 0; i-- {
		if err := runExitCallback(t.onExit[i]); err != nil {
			failures = append(failures, err)
		}
	}
	t.onExit = nil
	failures = append(failures, t.table.RunDestructors(t.host.registry)...)
	bound.Delete(t.gid)
	t.state.Store(threadExited)
	t.host.live.Add(-1)
	return observability.AggregateErrors("thread exit", failures,
		observability.Field{Key: "thread_id", Value: t.id})
}

func runExitCallback(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("threadstore: exit callback panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	fn()
	return nil
}
