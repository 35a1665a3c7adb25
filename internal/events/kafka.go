package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/broker-aggregator/internal/config"
	"github.com/broker-aggregator/internal/logging"
	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes notification events to a Kafka topic, keyed by user
// id so all events for one user land on the same partition in order.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a Kafka-backed notifier.
func NewKafkaNotifier(cfg *config.KafkaConfig) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Emit publishes one event. Publishing failures are returned to the caller but
// are expected to be treated as non-fatal: losing a notification never loses
// portfolio correctness.
func (k *KafkaNotifier) Emit(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
	})
	if err != nil {
		logging.WithFields(map[string]interface{}{
			"eventType": event.Type,
			"userId":    event.UserID,
			"error":     err.Error(),
		}).Warn("Failed to publish notification event")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
