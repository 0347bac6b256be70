// Package ingest consumes externally produced events from Kafka and feeds
// them into broadcast dispatch.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/sams-monitoring/realtime-hub/pkg/event"
)

// Config holds Kafka consumer settings.
type Config struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Brokers        []string      `json:"brokers" yaml:"brokers" mapstructure:"brokers"`
	Topic          string        `json:"topic" yaml:"topic" mapstructure:"topic"`
	GroupID        string        `json:"group_id" yaml:"group_id" mapstructure:"group_id"`
	MinBytes       int           `json:"min_bytes" yaml:"min_bytes" mapstructure:"min_bytes"`
	MaxBytes       int           `json:"max_bytes" yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxWait        time.Duration `json:"max_wait" yaml:"max_wait" mapstructure:"max_wait"`
	CommitInterval time.Duration `json:"commit_interval" yaml:"commit_interval" mapstructure:"commit_interval"`
}

// DefaultConfig returns the default consumer settings.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Brokers:        []string{"localhost:9092"},
		Topic:          "monitoring.events",
		GroupID:        "realtime-hub",
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic cannot be empty")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka group_id cannot be empty")
	}
	return nil
}

// Sink receives decoded events. Satisfied by the broadcast dispatcher.
type Sink interface {
	Dispatch(ctx context.Context, evt *event.Event) error
}

// messageReader is the slice of kafka.Reader the consumer uses; swapped for
// a fake in tests.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer pulls events off a Kafka topic and dispatches them.
type Consumer struct {
	reader messageReader
	sink   Sink
	topic  string
}

// NewConsumer creates a consumer for the configured topic. The reader is
// set up for at-least-once delivery within the consumer group.
func NewConsumer(cfg Config, sink Sink) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.FirstOffset,
	})

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("group_id", cfg.GroupID).
		Msg("Kafka consumer configured")

	return &Consumer{reader: reader, sink: sink, topic: cfg.Topic}, nil
}

// Run consumes until the context is cancelled. Malformed messages are
// logged and skipped; dispatch failures are logged and do not stop the
// loop (each failure is scoped to a single event).
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Str("topic", c.topic).Msg("Kafka consumer started")
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to read from kafka: %w", err)
		}

		evt, err := decodeEvent(msg.Value)
		if err != nil {
			log.Warn().Err(err).
				Str("topic", c.topic).
				Int64("offset", msg.Offset).
				Msg("Skipping malformed event message")
			continue
		}

		if err := c.sink.Dispatch(ctx, evt); err != nil {
			log.Error().Err(err).
				Str("event_id", evt.ID).
				Msg("Failed to dispatch ingested event")
		}
	}
}

func decodeEvent(payload []byte) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
