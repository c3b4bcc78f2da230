// Package events publishes work item lifecycle events to the event bus.
// Emission is strictly fire-and-forget: the scheduler never blocks on, or
// fails because of, subscriber processing.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/kafka"
	"github.com/unchainedshop/workqueue/pkg/telemetry"
)

// Topic carries every lifecycle event, keyed by work item ID.
const Topic = "work.events"

// Emitter publishes one lifecycle event.
type Emitter interface {
	Emit(ctx context.Context, name domain.EventName, item *domain.WorkItem)
}

// For builds the event payload for an item transition.
func For(name domain.EventName, item *domain.WorkItem) domain.Event {
	return domain.Event{
		Name:      name,
		WorkID:    item.ID,
		WorkType:  item.Type,
		Status:    item.Status(),
		EmittedAt: time.Now().UTC(),
	}
}

// busEmitter publishes events to Kafka. Publish failures are logged and
// counted, never propagated — a broken bus must not alter job outcomes.
type busEmitter struct {
	producer kafka.Producer
	logger   *slog.Logger
}

// NewBusEmitter creates the Kafka-backed Emitter.
func NewBusEmitter(producer kafka.Producer, logger *slog.Logger) Emitter {
	return &busEmitter{producer: producer, logger: logger}
}

func (e *busEmitter) Emit(ctx context.Context, name domain.EventName, item *domain.WorkItem) {
	event := For(name, item)
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("marshal lifecycle event",
			slog.String("event", string(name)),
			slog.String("work_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := e.producer.Publish(ctx, Topic, item.ID, payload); err != nil {
		e.logger.Error("publish lifecycle event",
			slog.String("event", string(name)),
			slog.String("work_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.EventsPublished.WithLabelValues(string(name)).Inc()
}

// ChannelEmitter delivers events to an in-process channel. Used by tests
// and by single-process deployments that do not run Kafka. Sends are
// non-blocking: a full channel drops the event rather than stalling a
// state transition.
type ChannelEmitter struct {
	C chan domain.Event
}

// NewChannelEmitter creates a ChannelEmitter with the given buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{C: make(chan domain.Event, buffer)}
}

func (e *ChannelEmitter) Emit(_ context.Context, name domain.EventName, item *domain.WorkItem) {
	select {
	case e.C <- For(name, item):
	default:
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(context.Context, domain.EventName, *domain.WorkItem) {}
