// Package kafka is the transport behind the lifecycle event bus. The
// rest of the system only sees the Producer/Consumer interfaces;
// everything segmentio-specific stays in here.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Producer publishes keyed messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type busWriter struct {
	writer *kafka.Writer
}

// NewProducer creates the event-bus producer. The hash balancer pins
// every message with the same key (the work item ID) to one partition,
// which is what keeps per-item event order intact for subscribers.
func NewProducer(brokers []string) Producer {
	return &busWriter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			MaxAttempts:            3,
			WriteTimeout:           10 * time.Second,
			ReadTimeout:            10 * time.Second,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *busWriter) Publish(ctx context.Context, topic, key string, value []byte) error {
	// Carry the active trace across the bus so a subscriber's span hangs
	// off the operation that caused the event.
	var headers HeaderCarrier
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *busWriter) Close() error {
	return b.writer.Close()
}
