//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	kafkabridge "consentry/internal/bus/kafka"
	"consentry/internal/consent/models"
	"consentry/internal/platform/config"
	"consentry/internal/platform/kafka/producer"
	"consentry/pkg/testutil/containers"
)

type BridgeIntegrationSuite struct {
	suite.Suite
	kafka    *containers.KafkaContainer
	producer *producer.Producer
}

func TestBridgeIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(BridgeIntegrationSuite))
}

func (s *BridgeIntegrationSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.kafka = mgr.GetKafka(s.T())

	prod, err := producer.New(config.Kafka{
		Brokers:         s.kafka.Brokers,
		Acks:            "all",
		Retries:         3,
		DeliveryTimeout: 10 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)
	s.producer = prod
}

func (s *BridgeIntegrationSuite) TearDownSuite() {
	if s.producer != nil {
		s.producer.Close()
	}
}

// TestChangeEventReachesTopic drives a change event through the bridge and
// reads it back off the topic: the subject keys the record so per-subject
// ordering survives partitioning, and category/state ride as headers.
func (s *BridgeIntegrationSuite) TestChangeEventReachesTopic() {
	ctx := context.Background()
	topic := "consentry-bridge-test"
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic, 1, 1))

	bridge := kafkabridge.NewBridge(s.producer, topic)

	sent := models.ChangeEvent{
		Subject:       "user-42",
		Category:      "analytics",
		Previous:      models.StateNotSet,
		New:           models.StateGranted,
		Version:       1,
		OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
		Source:        "banner",
		PolicyVersion: "2026-07",
		Region:        "EU",
		Seq:           7,
	}
	s.Require().NoError(bridge.HandleChange(ctx, sent))

	consumer, err := s.kafka.NewConsumer("bridge-test-group", topic)
	s.Require().NoError(err)
	defer consumer.Close()

	record := s.kafka.WaitForMessage(ctx, consumer, 30*time.Second, func(r *kgo.Record) bool {
		return string(r.Key) == "user-42"
	})
	s.Require().NotNil(record, "bridged event should appear on the topic")

	var got models.ChangeEvent
	s.Require().NoError(json.Unmarshal(record.Value, &got))
	s.Equal(sent.Category, got.Category)
	s.Equal(sent.New, got.New)
	s.Equal(sent.Seq, got.Seq)

	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	s.Equal("analytics", headers["category"])
	s.Equal("granted", headers["state"])
}
