// Package kafka bridges committed consent changes onto a Kafka topic for
// downstream analytics. Records are keyed by subject so per-subject ordering
// is preserved within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"consentry/internal/consent/models"
	"consentry/internal/platform/kafka/producer"
)

// SubscriberName is the bus registration name of the bridge.
const SubscriberName = "kafka-bridge"

// MessageProducer is the producer surface the bridge needs.
type MessageProducer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// Bridge forwards change events to Kafka.
type Bridge struct {
	producer MessageProducer
	topic    string
	logger   *slog.Logger
}

// BridgeOption configures the Bridge.
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = logger }
}

// NewBridge constructs a bridge publishing to the given topic.
func NewBridge(p MessageProducer, topic string, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		producer: p,
		topic:    topic,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleChange is the bus subscriber entry point. A produce failure is
// returned to the bus, which logs and counts it; the analytics stream is
// best-effort and the audit trail stays the source of truth.
func (b *Bridge) HandleChange(ctx context.Context, event models.ChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	msg := &producer.Message{
		Topic: b.topic,
		Key:   []byte(event.Subject),
		Value: value,
		Headers: map[string]string{
			"category": event.Category.String(),
			"state":    string(event.New),
		},
	}
	if err := b.producer.Produce(ctx, msg); err != nil {
		return fmt.Errorf("produce change event: %w", err)
	}
	b.logger.DebugContext(ctx, "change event bridged to kafka",
		"topic", b.topic, "subject", event.Subject, "category", event.Category, "seq", event.Seq)
	return nil
}
