package bus

import (
	"context"
	"time"
)

// MetricsRecorder receives bus timings. The metrics package implements it.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latency time.Duration, err error)
	RecordBusHandle(topic string, latency time.Duration, err error)
}

// InstrumentedBus times publishes and handler runs on an inner bus.
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

// NewInstrumentedBus wraps inner. A nil recorder makes it a pass-through.
func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{inner: inner, metrics: metrics}
}

// Publish forwards to the inner bus and records how long it took.
func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, topic, event)
	if b.metrics != nil {
		b.metrics.RecordBusPublish(topic, time.Since(start), err)
	}
	return err
}

// Subscribe registers handler wrapped so each run is timed and its outcome
// counted. The audit trail and the broadcast relay both show up here.
func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.metrics == nil {
		return b.inner.Subscribe(ctx, topic, handler)
	}
	return b.inner.Subscribe(ctx, topic, func(hctx context.Context, event Event) error {
		start := time.Now()
		err := handler(hctx, event)
		b.metrics.RecordBusHandle(topic, time.Since(start), err)
		return err
	})
}

// Close closes the underlying bus.
func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}
