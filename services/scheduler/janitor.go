package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/postgres"
	"github.com/unchainedshop/workqueue/internal/redis"
	"github.com/unchainedshop/workqueue/pkg/telemetry"
)

// Reclaimer returns a zombie claim to the queue. *queue.Queue satisfies it.
type Reclaimer interface {
	ReclaimWork(ctx context.Context, workID string) (*domain.WorkItem, error)
}

// Janitor reclaims zombie work and purges finished items past retention.
// A zombie is an allocated item whose worker exceeded the item timeout
// without finishing: the process crashed, lost its DB connection, or hung.
// Reclaiming clears the claim without consuming a retry — the work never
// provably ran.
type Janitor struct {
	store     postgres.WorkStore
	reclaimer Reclaimer
	elector   *redis.Elector
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

func NewJanitor(
	store postgres.WorkStore,
	reclaimer Reclaimer,
	elector *redis.Elector,
	interval, retention time.Duration,
	logger *slog.Logger,
) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{
		store:     store,
		reclaimer: reclaimer,
		elector:   elector,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Run polls for zombies and, when retention is configured, purges old
// finished items. Blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	leader, err := j.elector.AcquireOrRenew(ctx)
	if err != nil {
		j.logger.Error("leader election", slog.String("error", err.Error()))
		return
	}
	if !leader {
		return
	}

	j.reclaimZombies(ctx)
	j.purge(ctx)
}

func (j *Janitor) reclaimZombies(ctx context.Context) {
	zombies, err := j.store.FindZombies(ctx, time.Now().UTC())
	if err != nil {
		j.logger.Error("find zombies", slog.String("error", err.Error()))
		return
	}
	for _, item := range zombies {
		if _, err := j.reclaimer.ReclaimWork(ctx, item.ID); err != nil {
			j.logger.Error("reclaim zombie",
				slog.String("work_id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		telemetry.JanitorZombiesReclaimed.Inc()
		j.logger.Warn("zombie reclaimed",
			slog.String("work_id", item.ID),
			slog.String("work_type", item.Type),
			slog.String("worker", item.Worker),
			slog.Int("retries_left", item.Retries),
		)
	}
}

func (j *Janitor) purge(ctx context.Context) {
	if j.retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-j.retention)
	purged, err := j.store.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("purge finished items", slog.String("error", err.Error()))
		return
	}
	if purged > 0 {
		telemetry.JanitorItemsPurged.Add(float64(purged))
		j.logger.Info("purged finished items",
			slog.Int64("count", purged),
			slog.Time("cutoff", cutoff),
		)
	}
}
