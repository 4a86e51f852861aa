package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "threadstore"

// SlotMetrics records per-slot accessor activity. A nil *SlotMetrics is a
// valid no-op recorder.
type SlotMetrics struct {
	allocated metric.Int64Counter
	failures  metric.Int64Counter
	live      metric.Int64UpDownCounter
	sizes     metric.Int64Histogram
	keyInits  metric.Int64Counter
}

// NewSlotMetrics builds instruments from meter, falling back to the global
// otel meter when meter is nil.
func NewSlotMetrics(meter metric.Meter) *SlotMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := new(SlotMetrics)
	m.allocated, _ = meter.Int64Counter("threadstore.buffers.allocated",
		metric.WithDescription("Per-thread buffers allocated on first access"),
		metric.WithUnit("{buffer}"))
	m.failures, _ = meter.Int64Counter("threadstore.access.failures",
		metric.WithDescription("Accessor calls that returned no buffer"),
		metric.WithUnit("{call}"))
	m.live, _ = meter.Int64UpDownCounter("threadstore.buffers.live",
		metric.WithDescription("Per-thread buffers currently attached to a thread"),
		metric.WithUnit("{buffer}"))
	m.sizes, _ = meter.Int64Histogram("threadstore.buffer.size",
		metric.WithDescription("Size of newly allocated per-thread buffers"),
		metric.WithUnit("By"))
	m.keyInits, _ = meter.Int64Counter("threadstore.key.inits",
		metric.WithDescription("Thread-specific keys created"),
		metric.WithUnit("{key}"))
	return m
}

// Allocated records a successful first-access allocation of size bytes.
func (m *SlotMetrics) Allocated(ctx context.Context, slot string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(SlotAttributes(slot)...)
	if m.allocated != nil {
		m.allocated.Add(ctx, 1, attrs)
	}
	if m.live != nil {
		m.live.Add(ctx, 1, attrs)
	}
	if m.sizes != nil {
		m.sizes.Record(ctx, int64(size), attrs)
	}
}

// Released records a per-thread buffer being released at thread exit.
func (m *SlotMetrics) Released(ctx context.Context, slot string) {
	if m == nil || m.live == nil {
		return
	}
	m.live.Add(ctx, -1, metric.WithAttributes(SlotAttributes(slot)...))
}

// Failed records an accessor call that returned no buffer.
func (m *SlotMetrics) Failed(ctx context.Context, slot, reason string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(FailureAttributes(slot, reason)...))
}

// KeyCreated records a slot key initialisation.
func (m *SlotMetrics) KeyCreated(ctx context.Context, slot string) {
	if m == nil || m.keyInits == nil {
		return
	}
	m.keyInits.Add(ctx, 1, metric.WithAttributes(SlotAttributes(slot)...))
}
