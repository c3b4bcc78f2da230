package worker

import (
	"time"

	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/pkg/backoff"
)

// Rescheduler decides when a failed attempt runs again. The attempt
// number is derived from the remaining retry budget so the delay grows
// as the budget shrinks, without storing an attempt counter anywhere.
type Rescheduler struct {
	// Policy supplies the delay per attempt. Must be deterministic.
	Policy backoff.Policy
	// InitialRetries is the budget items start with; together with the
	// item's remaining retries it yields the attempt number.
	InitialRetries int
}

// NewRescheduler returns the default policy: exponential from base,
// capped at max.
func NewRescheduler(initialRetries int, base, max time.Duration) *Rescheduler {
	return &Rescheduler{
		Policy:         backoff.Exponential{Base: base, Max: max},
		InitialRetries: initialRetries,
	}
}

// NextSchedule computes when the item should become eligible again after
// the attempt that just failed.
func (r *Rescheduler) NextSchedule(now time.Time, item *domain.WorkItem) time.Time {
	attempt := r.InitialRetries - item.Retries + 1
	if attempt < 1 {
		attempt = 1
	}
	return now.Add(r.Policy.Delay(attempt))
}
