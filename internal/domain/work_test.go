package domain_test

import (
	"testing"
	"time"

	"github.com/unchainedshop/workqueue/internal/domain"
)

func ptrTime(t time.Time) *time.Time { return &t }
func ptrBool(b bool) *bool           { return &b }

func TestStatus_Derivation(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name string
		item domain.WorkItem
		want domain.Status
	}{
		{"fresh item", domain.WorkItem{Scheduled: now}, domain.StatusNew},
		{"claimed item", domain.WorkItem{Started: ptrTime(now)}, domain.StatusAllocated},
		{"finished ok", domain.WorkItem{Started: ptrTime(now), Finished: ptrTime(now), Success: ptrBool(true)}, domain.StatusSuccess},
		{"finished failed", domain.WorkItem{Started: ptrTime(now), Finished: ptrTime(now), Success: ptrBool(false)}, domain.StatusFailed},
		{"soft deleted", domain.WorkItem{Deleted: ptrTime(now)}, domain.StatusDeleted},
		{"deleted wins over finished", domain.WorkItem{Finished: ptrTime(now), Success: ptrBool(true), Deleted: ptrTime(now)}, domain.StatusDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Status(); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []domain.Status{domain.StatusSuccess, domain.StatusFailed, domain.StatusDeleted}
	for _, s := range terminal {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
	for _, s := range []domain.Status{domain.StatusNew, domain.StatusAllocated} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestEligible(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name string
		item domain.WorkItem
		want bool
	}{
		{"scheduled in the past", domain.WorkItem{Scheduled: now.Add(-time.Minute)}, true},
		{"scheduled exactly now", domain.WorkItem{Scheduled: now}, true},
		{"scheduled in the future", domain.WorkItem{Scheduled: now.Add(time.Minute)}, false},
		{"already started", domain.WorkItem{Scheduled: now.Add(-time.Minute), Started: ptrTime(now)}, false},
		{"already finished", domain.WorkItem{Scheduled: now.Add(-time.Minute), Finished: ptrTime(now)}, false},
		{"soft deleted", domain.WorkItem{Scheduled: now.Add(-time.Minute), Deleted: ptrTime(now)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Eligible(now); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClaimBefore_TotalOrder(t *testing.T) {
	now := time.Now().UTC()

	highPrio := &domain.WorkItem{ID: "a", Priority: 5, Scheduled: now}
	midPrio := &domain.WorkItem{ID: "b", Priority: 3, Scheduled: now}
	older := &domain.WorkItem{ID: "c", Priority: 3, Scheduled: now.Add(-time.Hour)}
	tieA := &domain.WorkItem{ID: "a", Priority: 0, Scheduled: now}
	tieB := &domain.WorkItem{ID: "b", Priority: 0, Scheduled: now}

	if !domain.ClaimBefore(highPrio, midPrio) {
		t.Error("higher priority should claim first")
	}
	if !domain.ClaimBefore(older, midPrio) {
		t.Error("same priority: older scheduled should claim first")
	}
	if !domain.ClaimBefore(tieA, tieB) || domain.ClaimBefore(tieB, tieA) {
		t.Error("full tie should break deterministically by ID")
	}
}
