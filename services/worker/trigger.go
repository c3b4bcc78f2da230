package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/kafka"
)

// Trigger wakes the worker loop. Implementations send on wake whenever
// new work may have become eligible; sends must never block.
type Trigger interface {
	Run(ctx context.Context, wake chan<- struct{})
}

func notify(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default: // a wake-up is already pending
	}
}

// IntervalTrigger fires on a fixed schedule. It is the safety net that
// picks up future-scheduled items and anything the event trigger missed
// while the process was down.
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) Run(ctx context.Context, wake chan<- struct{}) {
	every := t.Every
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notify(wake)
		}
	}
}

// EventTrigger wakes the loop when the event bus announces new claimable
// work, so fresh items start within milliseconds instead of waiting for
// the next interval tick.
type EventTrigger struct {
	Consumer kafka.Consumer
	Logger   *slog.Logger
}

func (t EventTrigger) Run(ctx context.Context, wake chan<- struct{}) {
	err := t.Consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		var ev domain.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			t.Logger.Warn("malformed event on bus, ignoring", slog.String("error", err.Error()))
			return nil
		}
		switch ev.Name {
		case domain.EventAdded, domain.EventRescheduled:
			notify(wake)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		t.Logger.Error("event trigger stopped", slog.String("error", err.Error()))
	}
}

// ChannelTrigger forwards wake-ups from an in-process event channel.
// Embedders that run the queue and worker in one binary use this with
// events.ChannelEmitter instead of going through Kafka.
type ChannelTrigger struct {
	Events <-chan domain.Event
}

func (t ChannelTrigger) Run(ctx context.Context, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.Events:
			switch ev.Name {
			case domain.EventAdded, domain.EventRescheduled:
				notify(wake)
			}
		}
	}
}
