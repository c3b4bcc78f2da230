// Package scheduler turns recurring work definitions into autoscheduled
// work items and runs the janitor. Both loops are leader-gated through
// Redis so any number of replicas can run for availability while exactly
// one acts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/postgres"
	"github.com/unchainedshop/workqueue/internal/redis"
	"github.com/unchainedshop/workqueue/pkg/telemetry"
)

// LeaderKey is the Redis lease shared by the scheduler and janitor loops.
const LeaderKey = "workqueue:scheduler:leader"

// Scheduler fires due recurring definitions on a polling loop.
type Scheduler struct {
	recurring postgres.RecurringStore
	api       director.WorkAPI
	elector   *redis.Elector
	interval  time.Duration
	logger    *slog.Logger
}

func NewScheduler(
	recurring postgres.RecurringStore,
	api director.WorkAPI,
	elector *redis.Elector,
	interval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		recurring: recurring,
		api:       api,
		elector:   elector,
		interval:  interval,
		logger:    logger,
	}
}

// Run is the main polling loop: tries to become leader, then fires due
// definitions. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			if err := s.elector.Release(context.Background()); err != nil {
				s.logger.Error("release leadership", slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	leader, err := s.elector.AcquireOrRenew(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		return
	}
	if !leader {
		return
	}
	if err := s.fireDue(ctx); err != nil {
		s.logger.Error("fireDue", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) fireDue(ctx context.Context) error {
	now := time.Now().UTC()
	defs, err := s.recurring.Due(ctx, now)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := s.fire(ctx, def, now); err != nil {
			s.logger.Error("recurring work failed to fire",
				slog.String("name", def.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// fire enqueues one autoscheduled item and advances next_run_at. The cron
// expression is parsed per fire so edits take effect without a restart.
func (s *Scheduler) fire(ctx context.Context, def postgres.RecurringWork, now time.Time) error {
	schedule, err := cron.ParseStandard(def.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for %q: %w", def.CronExpr, def.Name, err)
	}

	retries := def.Retries
	workID, err := s.api.AddWork(ctx, def.WorkType, def.Input, director.AddOptions{
		Retries:        &retries,
		Timeout:        def.Timeout,
		AutoScheduled:  true,
		OriginalWorkID: def.ID,
	})
	if err != nil {
		return fmt.Errorf("enqueue recurring %q: %w", def.Name, err)
	}

	nextRun := schedule.Next(now)
	if err := s.recurring.MarkRun(ctx, def.ID, now, nextRun); err != nil {
		return err
	}

	telemetry.SchedulerWorkFired.WithLabelValues(def.WorkType).Inc()
	s.logger.Info("recurring work fired",
		slog.String("name", def.Name),
		slog.String("work_id", workID),
		slog.String("work_type", def.WorkType),
		slog.Time("next_run", nextRun),
	)
	return nil
}

// NewRecurringID returns an ID for a new recurring definition.
func NewRecurringID() string { return uuid.New().String() }
