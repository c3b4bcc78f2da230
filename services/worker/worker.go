// Package worker runs the claim→execute→finalize loop. Every item it
// touches went through the store's atomic claim, so any number of worker
// processes can point at the same database without coordination.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/events"
	"github.com/unchainedshop/workqueue/pkg/backoff"
	"github.com/unchainedshop/workqueue/pkg/telemetry"
)

// WorkQueue is the slice of the queue surface the loop depends on.
// *queue.Queue satisfies it.
type WorkQueue interface {
	director.WorkAPI
	Director() *director.Director
	AllocateNext(ctx context.Context, activeTypes []string, workerID string) (*domain.WorkItem, error)
	FinishWork(ctx context.Context, workID string, success bool, result json.RawMessage, workErr *domain.WorkError) (*domain.WorkItem, error)
	RescheduleWork(ctx context.Context, workID string, nextScheduled time.Time, retriesLeft int, workErr *domain.WorkError) (*domain.WorkItem, error)
	ReclaimWork(ctx context.Context, workID string) (*domain.WorkItem, error)
}

// Worker drains eligible work from the queue whenever a trigger fires.
type Worker struct {
	queue       WorkQueue
	emitter     events.Emitter
	workerID    string
	timeout     time.Duration
	rescheduler *Rescheduler
	triggers    []Trigger
	logger      *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithTimeout sets the execution timeout applied to items that carry none.
func WithTimeout(d time.Duration) Option { return func(w *Worker) { w.timeout = d } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// WithRescheduler overrides the default retry schedule.
func WithRescheduler(r *Rescheduler) Option { return func(w *Worker) { w.rescheduler = r } }

// WithTriggers sets the wake-up sources. Without any trigger the loop
// drains once and then sleeps until ctx is cancelled.
func WithTriggers(triggers ...Trigger) Option {
	return func(w *Worker) { w.triggers = triggers }
}

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(workerID string, q WorkQueue, emitter events.Emitter, opts ...Option) *Worker {
	w := &Worker{
		queue:       q,
		emitter:     emitter,
		workerID:    workerID,
		timeout:     30 * time.Second,
		rescheduler: NewRescheduler(5, time.Second, 5*time.Minute),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the queue once, then again on every trigger wake-up, until
// ctx is cancelled. Blocks.
func (w *Worker) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	var triggerWG sync.WaitGroup
	for _, t := range w.triggers {
		triggerWG.Add(1)
		go func(t Trigger) {
			defer triggerWG.Done()
			t.Run(ctx, wake)
		}(t)
	}

	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			triggerWG.Wait()
			return nil
		case <-wake:
			w.Drain(ctx)
		}
	}
}

// Wait blocks until the in-flight item finishes. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// InFlight reports how many items this process is currently executing.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

// Drain claims and executes items one at a time until nothing is
// eligible. Serial on purpose: parallelism comes from running more
// worker processes, and per-type caps stay easy to reason about.
func (w *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		types := w.queue.Director().ClaimableTypes()
		if len(types) == 0 {
			return
		}

		item, err := w.queue.AllocateNext(ctx, types, w.workerID)
		if err != nil {
			telemetry.WorkerClaims.WithLabelValues("error").Inc()
			w.logger.Error("claim failed", slog.String("error", err.Error()))
			return
		}
		if item == nil {
			telemetry.WorkerClaims.WithLabelValues("empty").Inc()
			return
		}
		telemetry.WorkerClaims.WithLabelValues("claimed").Inc()

		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item *domain.WorkItem) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("work.id", item.ID),
		attribute.String("work.type", item.Type),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("work_id", item.ID),
		slog.String("work_type", item.Type),
	)

	adapter, err := w.queue.Director().AdapterFor(item.Type)
	if err != nil {
		// The type list is snapshotted before the claim, so an adapter
		// unregistered in between leaves us holding an item we cannot
		// run. Hand it back without consuming a retry.
		log.Warn("claimed item has no adapter, returning to queue", slog.String("error", err.Error()))
		span.RecordError(err)
		w.returnToQueue(ctx, item, log)
		return
	}

	w.queue.Director().Acquire(item.Type)
	w.wg.Add(1)
	w.inFlight.Add(1)
	telemetry.WorkerWorkInFlight.WithLabelValues(item.Type).Inc()
	defer func() {
		telemetry.WorkerWorkInFlight.WithLabelValues(item.Type).Dec()
		w.inFlight.Add(-1)
		w.wg.Done()
		w.queue.Director().Release(item.Type)
	}()

	timeout := item.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}

	start := time.Now()
	result, timedOut, execErr := w.execute(span, adapter, item, timeout)
	durationSec := time.Since(start).Seconds()
	telemetry.WorkerWorkDurationSeconds.WithLabelValues(item.Type).Observe(durationSec)

	if execErr == nil {
		w.finalize(ctx, item, true, result, nil, log)
		log.Info("work succeeded", slog.Float64("duration_s", durationSec))
		return
	}

	span.RecordError(execErr)
	workErr := &domain.WorkError{Kind: domain.ErrKindFailed, Message: execErr.Error()}
	if timedOut {
		workErr.Kind = domain.ErrKindTimeout
		telemetry.WorkerTimeouts.WithLabelValues(item.Type).Inc()
	}

	if item.Retries > 0 {
		next := w.rescheduler.NextSchedule(time.Now().UTC(), item)
		w.reschedule(ctx, item, next, workErr, log)
		log.Warn("work failed, rescheduled",
			slog.String("error", execErr.Error()),
			slog.Int("retries_left", item.Retries-1),
			slog.Time("next_attempt", next),
		)
		return
	}

	span.SetStatus(codes.Error, "retry budget exhausted")
	w.finalize(ctx, item, false, nil, workErr, log)
	log.Error("work failed terminally", slog.String("error", execErr.Error()))
}

// execute runs the adapter with the item timeout. The adapter goroutine
// is abandoned on expiry, never interrupted: a hung SMTP dial must not
// block the loop, and the adapter's own ctx lets it give up early.
func (w *Worker) execute(span trace.Span, adapter director.Adapter, item *domain.WorkItem, timeout time.Duration) (json.RawMessage, bool, error) {
	// Detached from the loop context so shutdown drains in-flight work
	// instead of killing it; the span is re-attached for child spans.
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := adapter.DoWork(execCtx, item.Input, w.queue, item.ID)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, false, out.err
	case <-execCtx.Done():
		return nil, true, fmt.Errorf("work %s exceeded timeout %s: %w", item.ID, timeout, execCtx.Err())
	}
}

// finalize records the terminal outcome. DONE fires first: the
// computation has happened, then FINISHED follows the durable write.
// The write runs detached from cancellation: a shutdown that arrived
// mid-execution must not discard the outcome the drain just produced.
func (w *Worker) finalize(ctx context.Context, item *domain.WorkItem, success bool, result json.RawMessage, workErr *domain.WorkError, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	w.emitter.Emit(ctx, domain.EventDone, item)

	err := backoff.Do(ctx, backoff.Config{
		MaxAttempts: 5,
		Policy:      backoff.Exponential{Base: 500 * time.Millisecond, Max: 10 * time.Second},
	}, func() error {
		finished, ferr := w.queue.FinishWork(ctx, item.ID, success, result, workErr)
		if ferr != nil {
			return ferr
		}
		telemetry.WorkerWorkProcessed.WithLabelValues(item.Type, string(finished.Status())).Inc()
		return nil
	})
	if err != nil {
		// The outcome is lost; the janitor will reclaim the item after
		// its timeout and the attempt runs again.
		log.Error("failed to record outcome", slog.String("error", err.Error()))
	}
}

// reschedule hands a failed attempt back to the queue, recording the
// attempt's error. Detached from cancellation like finalize.
func (w *Worker) reschedule(ctx context.Context, item *domain.WorkItem, next time.Time, workErr *domain.WorkError, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	telemetry.WorkerReschedules.WithLabelValues(item.Type).Inc()
	err := backoff.Do(ctx, backoff.Config{
		MaxAttempts: 5,
		Policy:      backoff.Exponential{Base: 500 * time.Millisecond, Max: 10 * time.Second},
	}, func() error {
		_, rerr := w.queue.RescheduleWork(ctx, item.ID, next, item.Retries-1, workErr)
		return rerr
	})
	if err != nil {
		log.Error("failed to reschedule", slog.String("error", err.Error()))
	}
}

func (w *Worker) returnToQueue(ctx context.Context, item *domain.WorkItem, log *slog.Logger) {
	if _, err := w.queue.ReclaimWork(context.WithoutCancel(ctx), item.ID); err != nil {
		log.Error("failed to return item to queue", slog.String("error", err.Error()))
	}
}
