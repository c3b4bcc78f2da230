// Package queue exposes the public scheduler operations: addWork,
// activeWorkTypes, the query surface and the state transitions used by
// worker loops and external completion. All lifecycle events flow from
// here so that every durable write has exactly one matching event.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/events"
	"github.com/unchainedshop/workqueue/internal/postgres"
)

// DefaultRetries is the retry budget for items submitted without an
// explicit retries option.
const DefaultRetries = 5

// Queue wires the work store, the adapter director and the event bus
// into the public operation surface.
type Queue struct {
	store    postgres.WorkStore
	director *director.Director
	emitter  events.Emitter
	logger   *slog.Logger

	defaultRetries int
}

// Option configures a Queue.
type Option func(*Queue)

// WithDefaultRetries overrides the default retry budget for new items.
func WithDefaultRetries(n int) Option {
	return func(q *Queue) { q.defaultRetries = n }
}

// New constructs the Queue facade.
func New(store postgres.WorkStore, d *director.Director, emitter events.Emitter, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:          store,
		director:       d,
		emitter:        emitter,
		logger:         logger,
		defaultRetries: DefaultRetries,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Queue implements the API handed to adapters.
var _ director.WorkAPI = (*Queue)(nil)

// AddWork creates a NEW work item and returns its ID immediately.
// The type does not have to be registered at insertion time — validation
// is deferred to claim time, so producers are always fire-and-forget.
func (q *Queue) AddWork(ctx context.Context, workType string, input json.RawMessage, opts director.AddOptions) (string, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.add_work")
	defer span.End()

	now := time.Now().UTC()
	scheduled := opts.Scheduled
	if scheduled.IsZero() {
		scheduled = now
	}
	retries := q.defaultRetries
	if opts.Retries != nil && *opts.Retries >= 0 {
		retries = *opts.Retries
	}

	item := &domain.WorkItem{
		ID:             uuid.New().String(),
		Type:           workType,
		Input:          input,
		Priority:       opts.Priority,
		Scheduled:      scheduled,
		Retries:        retries,
		Timeout:        opts.Timeout,
		OriginalWorkID: opts.OriginalWorkID,
		AutoScheduled:  opts.AutoScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	span.SetAttributes(
		attribute.String("work.id", item.ID),
		attribute.String("work.type", workType),
	)

	if err := q.store.Add(ctx, item); err != nil {
		return "", fmt.Errorf("add work: %w", err)
	}

	q.emitter.Emit(ctx, domain.EventAdded, item)
	q.logger.Info("work added",
		slog.String("work_id", item.ID),
		slog.String("work_type", workType),
		slog.Bool("autoscheduled", item.AutoScheduled),
	)
	return item.ID, nil
}

// ActiveWorkTypes returns every registered type, external ones included.
func (q *Queue) ActiveWorkTypes() []string {
	return q.director.RegisteredTypes()
}

// Director exposes the adapter registry for composition roots and loops.
func (q *Queue) Director() *director.Director {
	return q.director
}

// FindWork returns one work item by ID.
func (q *Queue) FindWork(ctx context.Context, workID string) (*domain.WorkItem, error) {
	return q.store.GetByID(ctx, workID)
}

// FindWorkQueue lists work items matching the filter.
func (q *Queue) FindWorkQueue(ctx context.Context, f postgres.QueueFilter) ([]*domain.WorkItem, error) {
	return q.store.FindQueue(ctx, f)
}

// CountWorkQueue counts work items matching the filter.
func (q *Queue) CountWorkQueue(ctx context.Context, f postgres.QueueFilter) (int64, error) {
	return q.store.CountQueue(ctx, f)
}

// AllocateNext atomically claims the highest-priority eligible item whose
// type is in activeTypes. Types at their cross-process parallel cap are
// dropped from the candidate set first. Returns (nil, nil) when nothing
// is eligible.
func (q *Queue) AllocateNext(ctx context.Context, activeTypes []string, workerID string) (*domain.WorkItem, error) {
	types := q.underCap(ctx, activeTypes)
	if len(types) == 0 {
		return nil, nil
	}
	item, err := q.store.ClaimNext(ctx, types, workerID)
	if err != nil || item == nil {
		return nil, err
	}
	q.emitter.Emit(ctx, domain.EventAllocated, item)
	return item, nil
}

// underCap drops types whose allocated count across all worker processes
// has reached the adapter's parallel cap. The Director's local counters
// only see this process; the store count is the cluster-wide truth.
// Fails open: a broken count query must not stop claiming.
func (q *Queue) underCap(ctx context.Context, types []string) []string {
	limits := make(map[string]int)
	var capped []string
	for _, t := range types {
		adapter, err := q.director.AdapterFor(t)
		if err != nil {
			continue
		}
		if limit := adapter.MaxParallelAllocations(); limit > 0 {
			limits[t] = limit
			capped = append(capped, t)
		}
	}
	if len(capped) == 0 {
		return types
	}
	counts, err := q.store.CountAllocatedByType(ctx, capped)
	if err != nil {
		q.logger.Warn("allocation count unavailable, skipping cap check", slog.String("error", err.Error()))
		return types
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		if limit, ok := limits[t]; ok && counts[t] >= limit {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FinishWork durably records the terminal outcome and emits FINISHED.
func (q *Queue) FinishWork(ctx context.Context, workID string, success bool, result json.RawMessage, workErr *domain.WorkError) (*domain.WorkItem, error) {
	item, err := q.store.Finish(ctx, workID, success, result, workErr)
	if err != nil {
		return nil, err
	}
	q.emitter.Emit(ctx, domain.EventFinished, item)
	return item, nil
}

// RescheduleWork returns a failed attempt to the queue with its remaining
// retry budget and the error that caused it, and emits RESCHEDULED.
func (q *Queue) RescheduleWork(ctx context.Context, workID string, nextScheduled time.Time, retriesLeft int, workErr *domain.WorkError) (*domain.WorkItem, error) {
	item, err := q.store.Reschedule(ctx, workID, nextScheduled, retriesLeft, workErr)
	if err != nil {
		return nil, err
	}
	q.emitter.Emit(ctx, domain.EventRescheduled, item)
	return item, nil
}

// ReclaimWork clears a zombie claim without consuming a retry and emits
// RESCHEDULED, since the item becomes claimable again.
func (q *Queue) ReclaimWork(ctx context.Context, workID string) (*domain.WorkItem, error) {
	item, err := q.store.Reclaim(ctx, workID)
	if err != nil {
		return nil, err
	}
	q.emitter.Emit(ctx, domain.EventRescheduled, item)
	return item, nil
}

// DeleteWork soft-deletes an item and emits DELETED. The store refuses
// allocated items in the delete statement itself, so a claim racing this
// call keeps its item.
func (q *Queue) DeleteWork(ctx context.Context, workID string) (*domain.WorkItem, error) {
	item, err := q.store.MarkDeleted(ctx, workID)
	if err != nil {
		return nil, err
	}
	q.emitter.Emit(ctx, domain.EventDeleted, item)
	return item, nil
}

// FinishExternalWork records a completion reported from outside the
// worker loop. Only items of a registered external type can be completed
// this way; DONE fires alongside FINISHED because the computation
// happened elsewhere and produced no local DONE.
func (q *Queue) FinishExternalWork(ctx context.Context, workID string, success bool, result json.RawMessage, workErr *domain.WorkError) (*domain.WorkItem, error) {
	existing, err := q.store.GetByID(ctx, workID)
	if err != nil {
		return nil, err
	}
	adapter, err := q.director.AdapterFor(existing.Type)
	if err != nil {
		return nil, err
	}
	if !adapter.External() {
		return nil, &domain.NotExternalError{WorkType: existing.Type}
	}

	q.emitter.Emit(ctx, domain.EventDone, existing)
	return q.FinishWork(ctx, workID, success, result, workErr)
}
