// Package notify publishes run-completed events to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lamim/retrieval-eval/internal/quality"
)

// RunCompleted is emitted once per recorded run.
type RunCompleted struct {
	RunID          string          `json:"run_id"`
	Timestamp      time.Time       `json:"timestamp"`
	EmbeddingModel string          `json:"embedding_model"`
	LLMModel       string          `json:"llm_model"`
	PromptSetLabel string          `json:"prompt_set_label"`
	Averages       quality.Metrics `json:"average_metrics"`
	ConditionCount int             `json:"condition_count"`
	Canceled       bool            `json:"canceled,omitempty"`
}

// Publisher delivers RunCompleted events.
type Publisher interface {
	Publish(ctx context.Context, event RunCompleted) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, RunCompleted) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by run ID.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newKafkaPublisher(w, topic)
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		logger: slog.Default().With("component", "kafka-publisher", "topic", topic),
	}
}

// Publish serialises event and writes it synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, event RunCompleted) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.RunID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish run event",
			"run_id", event.RunID,
			"error", err,
		)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("run event published",
		"run_id", event.RunID,
		"value_size", len(value),
	)
	return nil
}

// Close flushes pending writes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
