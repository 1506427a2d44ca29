// Package kafka publishes critical alerts to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payhooks/core"
	kafkago "github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink writes each alert as one JSON message keyed by alert id, so consumers
// can drop the repeats an at-least-once outbox produces.
type Sink struct {
	writer messageWriter
	topic  string
}

func NewSink(cfg Config) (*Sink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: timeout,
	}
	return newSink(writer, topic), nil
}

func newSink(writer messageWriter, topic string) *Sink {
	return &Sink{writer: writer, topic: topic}
}

type alertMessage struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Source          string         `json:"source,omitempty"`
	ExternalEventID string         `json:"external_event_id,omitempty"`
	AccountID       string         `json:"account_id,omitempty"`
	Summary         string         `json:"summary"`
	Payload         map[string]any `json:"payload,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	Attempt         int            `json:"attempt"`
}

func (s *Sink) Deliver(ctx context.Context, alert core.CriticalAlert) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("kafka: sink is not configured")
	}
	value, err := json.Marshal(alertMessage{
		ID:              alert.ID,
		Kind:            alert.Kind,
		Source:          alert.Source,
		ExternalEventID: alert.ExternalEventID,
		AccountID:       alert.AccountID,
		Summary:         alert.Summary,
		Payload:         core.RedactSensitiveMap(alert.Payload),
		OccurredAt:      alert.OccurredAt.UTC(),
		Attempt:         alert.Attempts + 1,
	})
	if err != nil {
		return fmt.Errorf("kafka: encode alert %s: %w", alert.ID, err)
	}
	if err := s.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(alert.ID),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(alert.Kind)},
		},
	}); err != nil {
		return fmt.Errorf("kafka: write alert %s to %s: %w", alert.ID, s.topic, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

var _ core.AlertSink = (*Sink)(nil)
