// Package bus fans committed consent changes out to in-process subscribers:
// the webhook dispatcher, the lifecycle manager, the feature gate memo, and
// the analytics bridge. Fanout is synchronous and best-effort; a subscriber
// failing or panicking is logged and counted, never propagated to the
// mutation that produced the event.
package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"

	busmetrics "consentry/internal/bus/metrics"
	"consentry/internal/consent/models"
)

// Subscriber handles one consent change event. Errors are observed by the
// bus, not returned to the publisher.
type Subscriber func(ctx context.Context, event models.ChangeEvent) error

type namedSubscriber struct {
	name string
	fn   Subscriber
}

// Bus is the in-process event bus. Subscribers run synchronously in
// registration order.
type Bus struct {
	mu      sync.RWMutex
	subs    []namedSubscriber
	logger  *slog.Logger
	metrics *busmetrics.Metrics
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics sets the bus metrics.
func WithMetrics(m *busmetrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New constructs an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber under a stable name. Registration order
// is invocation order.
func (b *Bus) Subscribe(name string, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, namedSubscriber{name: name, fn: fn})
}

// Publish invokes every subscriber with the event. One subscriber's failure
// or panic never prevents the others from running and never surfaces to the
// caller.
func (b *Bus) Publish(ctx context.Context, event models.ChangeEvent) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.IncrementEventsPublished()
	}
	for _, sub := range subs {
		b.invoke(ctx, sub, event)
	}
}

func (b *Bus) invoke(ctx context.Context, sub namedSubscriber, event models.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.IncrementSubscriberPanics(sub.name)
			}
			b.logger.ErrorContext(ctx, "subscriber panicked",
				"subscriber", sub.name, "subject", event.Subject, "category", event.Category, "panic", r)
		}
	}()
	if err := sub.fn(ctx, event); err != nil {
		if b.metrics != nil {
			b.metrics.IncrementSubscriberErrors(sub.name)
		}
		b.logger.WarnContext(ctx, "subscriber failed",
			"subscriber", sub.name, "subject", event.Subject, "category", event.Category, "error", err)
	}
}
