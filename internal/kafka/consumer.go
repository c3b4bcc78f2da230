package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is the slice of a Kafka record that event subscribers see.
type Message struct {
	Key     []byte
	Value   []byte
	Headers []kafka.Header
}

// HandlerFunc processes one message from the event bus.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads lifecycle events from a topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type busReader struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a consumer-group reader for the given topic.
// Reading starts at the newest offset: lifecycle events are wake-ups and
// notifications, not work assignments, so events published while the
// subscriber was down are worthless by the time it returns. The interval
// trigger covers anything missed.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	return &busReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.LastOffset,
		}),
		logger: logger,
	}
}

// Subscribe delivers messages to handler until ctx is cancelled.
//
// Offsets are committed whether or not the handler succeeds. Events are
// advisory: redelivering one that a subscriber choked on would only make
// it choke again, and the database row is the source of truth regardless.
func (b *busReader) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", b.reader.Config().Topic, err)
		}

		b.deliver(ctx, m, handler)

		if err := b.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			b.logger.Error("commit offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *busReader) deliver(ctx context.Context, m kafka.Message, handler HandlerFunc) {
	// Resume the trace the producer started.
	carrier := HeaderCarrier(m.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

	err := handler(msgCtx, Message{Key: m.Key, Value: m.Value, Headers: m.Headers})
	if err != nil {
		b.logger.Error("event handler failed",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
	}
}

func (b *busReader) Close() error {
	return b.reader.Close()
}
