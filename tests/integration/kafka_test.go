//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/events"
	"github.com/unchainedshop/workqueue/internal/kafka"
)

// TestEventBus_RoundTrip publishes a lifecycle event through the bus
// emitter and reads it back with a consumer.
func TestEventBus_RoundTrip(t *testing.T) {
	topic := "test.events." + uuid.New().String()[:8]
	createTopic(t, topic)

	logger := slog.New(slog.DiscardHandler)
	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { _ = producer.Close() })

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "test-group-"+uuid.New().String()[:8], logger)
	t.Cleanup(func() { _ = consumer.Close() })

	received := make(chan domain.Event, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	go func() {
		_ = consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
			var ev domain.Event
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				return err
			}
			received <- ev
			return nil
		})
	}()

	// Give the consumer group time to join before publishing: the reader
	// starts at the last offset and would miss earlier messages.
	time.Sleep(5 * time.Second)

	now := time.Now().UTC()
	item := &domain.WorkItem{
		ID:        uuid.New().String(),
		Type:      "heartbeat",
		Scheduled: now,
		Started:   &now,
	}
	ev := events.For(domain.EventAllocated, item)
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, topic, item.ID, payload))

	select {
	case got := <-received:
		assert.Equal(t, domain.EventAllocated, got.Name)
		assert.Equal(t, item.ID, got.WorkID)
		assert.Equal(t, "heartbeat", got.WorkType)
		assert.Equal(t, domain.StatusAllocated, got.Status)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

// TestEventBus_PerItemOrdering publishes several events for one item and
// expects them back in publish order (same key, same partition).
func TestEventBus_PerItemOrdering(t *testing.T) {
	topic := "test.events." + uuid.New().String()[:8]
	createTopic(t, topic)

	logger := slog.New(slog.DiscardHandler)
	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { _ = producer.Close() })

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "test-group-"+uuid.New().String()[:8], logger)
	t.Cleanup(func() { _ = consumer.Close() })

	received := make(chan domain.Event, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	go func() {
		_ = consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
			var ev domain.Event
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				return err
			}
			received <- ev
			return nil
		})
	}()

	time.Sleep(5 * time.Second)

	workID := uuid.New().String()
	sequence := []domain.EventName{
		domain.EventAdded, domain.EventAllocated, domain.EventDone, domain.EventFinished,
	}
	for _, name := range sequence {
		payload, err := json.Marshal(domain.Event{Name: name, WorkID: workID, WorkType: "heartbeat", EmittedAt: time.Now().UTC()})
		require.NoError(t, err)
		require.NoError(t, producer.Publish(ctx, topic, workID, payload))
	}

	var got []domain.EventName
	for len(got) < len(sequence) {
		select {
		case ev := <-received:
			got = append(got, ev.Name)
		case <-ctx.Done():
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	assert.Equal(t, sequence, got)
}
