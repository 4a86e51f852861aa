package threadstore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coachpo/threadstore/config"
	"github.com/coachpo/threadstore/errs"
	"github.com/coachpo/threadstore/internal/observability"
	"github.com/coachpo/threadstore/internal/telemetry"
	"github.com/coachpo/threadstore/internal/tracker"
	"github.com/coachpo/threadstore/internal/tss"
)

// Slot describes one thread-local variable. It is declared once, usually as a
// package-level variable, and lives for the process lifetime. The key backing
// it is created lazily, exactly once, by the first access from any thread.
type Slot struct {
	name     string
	strategy Strategy
	alloc    Allocator
	registry *tss.Registry
	tracker  *tracker.Tracker
	metrics  *telemetry.SlotMetrics

	once     sync.Once
	key      tss.Key
	keyErr   error
	keyInits atomic.Int64
	closed   atomic.Bool
}

// SlotOption configures a Slot at declaration.
type SlotOption func(*Slot)

// WithAllocator sets the allocator backing the slot's buffers.
func WithAllocator(a Allocator) SlotOption {
	return func(s *Slot) {
		if a != nil {
			s.alloc = a
		}
	}
}

// WithRegistry sets the key registry. It must match the registry of the
// hosts whose threads access the slot.
func WithRegistry(r *tss.Registry) SlotOption {
	return func(s *Slot) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithTracker records the slot's live buffers in t. A nil t disables
// tracking even when it is compiled in.
func WithTracker(t *tracker.Tracker) SlotOption {
	return func(s *Slot) {
		s.tracker = t
	}
}

// WithMetrics sets the metric recorder; nil disables metrics.
func WithMetrics(m *telemetry.SlotMetrics) SlotOption {
	return func(s *Slot) {
		s.metrics = m
	}
}

var (
	defaultMetrics     *telemetry.SlotMetrics
	defaultMetricsOnce sync.Once
)

func sharedMetrics() *telemetry.SlotMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = telemetry.NewSlotMetrics(nil)
	})
	return defaultMetrics
}

// NewSlot declares a slot with no custom init whose buffers are freed to the
// allocator when their thread exits.
func NewSlot(name string, opts ...SlotOption) *Slot {
	return NewCustomSlot(name, DefaultStrategy{}, opts...)
}

// NewCustomSlot declares a slot whose buffers pass through strategy.
func NewCustomSlot(name string, strategy Strategy, opts ...SlotOption) *Slot {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("threadstore: slot name must be non-empty")
	}
	if strategy == nil {
		strategy = DefaultStrategy{}
	}
	s := &Slot{
		name:     name,
		strategy: strategy,
		alloc:    HeapAllocator{},
		registry: tss.Default(),
		tracker:  defaultTracker(),
		metrics:  sharedMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Name returns the slot's name.
func (s *Slot) Name() string { return s.name }

// Allocator returns the allocator backing the slot's buffers.
func (s *Slot) Allocator() Allocator { return s.alloc }

// Tracking reports whether the slot records live buffers in a tracker.
func (s *Slot) Tracking() bool { return s.tracker != nil }

// KeyInits returns how many times the key-creation routine has run: 0 before
// the first access, 1 afterwards.
func (s *Slot) KeyInits() int64 { return s.keyInits.Load() }

// ensureKey runs key creation once across all threads. Every caller that
// returns observes the committed key or the sticky creation error.
func (s *Slot) ensureKey() (tss.Key, error) {
	s.once.Do(s.initKey)
	return s.key, s.keyErr
}

func (s *Slot) initKey() {
	s.keyInits.Add(1)
	key, err := s.registry.CreateKey(s.destroy)
	if err != nil {
		s.keyErr = errs.New(component, errs.CodeKeyInit,
			errs.WithSlot(s.name),
			errs.WithMessage("create thread-specific key"),
			errs.WithCause(err))
		observability.Log().Error("threadstore: key init failed",
			observability.Field{Key: "slot", Value: s.name},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	s.key = key
	s.metrics.KeyCreated(context.Background(), s.name)
	observability.Log().Debug("threadstore: slot key created",
		observability.Field{Key: "slot", Value: s.name},
		observability.Field{Key: "key", Value: key.String()})
}

// Close deletes the slot's key. Buffers still attached to running threads
// are not cleaned up by their thread's exit afterwards, so callers close a slot
// once no thread holds a buffer from it. Every later access fails with
// ErrSlotClosed. Closing twice is a no-op.
func (s *Slot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// A slot closed before first use never creates its key.
	s.once.Do(func() {})
	if !s.key.Valid() {
		return nil
	}
	if err := s.registry.DeleteKey(s.key); err != nil {
		return errs.New(component, errs.CodeInvalid,
			errs.WithSlot(s.name),
			errs.WithMessage("delete thread-specific key"),
			errs.WithCause(err))
	}
	observability.Log().Debug("threadstore: slot closed",
		observability.Field{Key: "slot", Value: s.name},
		observability.Field{Key: "key", Value: s.key.String()})
	return nil
}

// Closed reports whether Close has been called.
func (s *Slot) Closed() bool { return s.closed.Load() }

// destroy is the key destructor run by the exiting thread for its buffer.
func (s *Slot) destroy(value any) {
	buf, ok := value.([]byte)
	if !ok {
		return
	}
	if s.tracker != nil {
		s.tracker.Remove(identity(buf))
	}
	s.strategy.Cleanup(buf, s.alloc)
	s.metrics.Released(context.Background(), s.name)
}

// SlotOptions translates settings into slot options sharing registry r.
func SlotOptions(cfg config.Settings, r *tss.Registry) []SlotOption {
	opts := []SlotOption{
		WithAllocator(NewAllocator(cfg.Allocator, cfg.MaxAllocSize)),
		WithRegistry(r),
	}
	if cfg.Tracking {
		opts = append(opts, WithTracker(tracker.Global()))
	}
	return opts
}

// NewHostFromSettings builds a host with its own key registry sized by cfg,
// plus the slot options to declare slots usable on its threads.
func NewHostFromSettings(cfg config.Settings, opts ...HostOption) (*Host, []SlotOption) {
	r := tss.NewRegistry(cfg.MaxKeys)
	h := NewHost(append([]HostOption{WithHostRegistry(r)}, opts...)...)
	return h, SlotOptions(cfg, r)
}
