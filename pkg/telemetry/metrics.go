package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIWorkSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "api",
		Name:      "work_submitted_total",
		Help:      "Total work items submitted through the HTTP API.",
	}, []string{"type"})

	APIWorkRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "api",
		Name:      "work_rate_limited_total",
		Help:      "Total work submissions rejected by the per-type rate limiter.",
	}, []string{"type"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "worker",
		Name:      "claims_total",
		Help:      "Claim attempts, labelled by outcome: claimed, empty, error.",
	}, []string{"outcome"})

	WorkerWorkProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "worker",
		Name:      "work_processed_total",
		Help:      "Finalized executions, labelled by work type and derived status.",
	}, []string{"type", "status"})

	WorkerWorkInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workqueue",
		Subsystem: "worker",
		Name:      "work_inflight",
		Help:      "Work items currently executing in this process.",
	}, []string{"type"})

	WorkerWorkDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workqueue",
		Subsystem: "worker",
		Name:      "work_duration_seconds",
		Help:      "Adapter execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"type"})

	WorkerReschedules = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "worker",
		Name:      "reschedules_total",
		Help:      "Failed attempts returned to the queue for a retry.",
	}, []string{"type"})

	WorkerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "worker",
		Name:      "timeouts_total",
		Help:      "Adapter executions abandoned after exceeding the item timeout.",
	}, []string{"type"})

	// ─── Scheduler / janitor ─────────────────────────────────────────────────────

	SchedulerWorkFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "scheduler",
		Name:      "recurring_fired_total",
		Help:      "Recurring definitions that produced an autoscheduled work item.",
	}, []string{"type"})

	JanitorZombiesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "janitor",
		Name:      "zombies_reclaimed_total",
		Help:      "Work items returned to the queue after exceeding their timeout while allocated.",
	})

	JanitorItemsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "janitor",
		Name:      "items_purged_total",
		Help:      "Finished work items hard-deleted by the retention pass.",
	})

	// ─── Event bus ───────────────────────────────────────────────────────────────

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workqueue",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Lifecycle events published to the bus, labelled by event name.",
	}, []string{"event"})
)
