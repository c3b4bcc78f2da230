package domain

import (
	"encoding/json"
	"time"
)

// Status is the derived state of a work item. It is never stored: it is
// computed from the started/finished/success/deleted fields so that the
// persisted record can never disagree with the reported state.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusAllocated Status = "ALLOCATED"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusDeleted   Status = "DELETED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusDeleted
}

// WorkError is the failure detail recorded on a work item. Kind lets
// operators tell "ran and failed" apart from "never returned".
type WorkError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	ErrKindFailed  = "failed"
	ErrKindTimeout = "timeout"
)

func (e *WorkError) Error() string { return e.Kind + ": " + e.Message }

// WorkItem is one persisted unit of schedulable background work.
//
// Worker is empty until some worker claims the item; Started is set
// exactly once per attempt, atomically with the claim. A Timeout of zero
// means unbounded execution and exempts the item from zombie reclamation.
type WorkItem struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Input          json.RawMessage `json:"input,omitempty"`
	Priority       int             `json:"priority"`
	Scheduled      time.Time       `json:"scheduled"`
	Started        *time.Time      `json:"started,omitempty"`
	Finished       *time.Time      `json:"finished,omitempty"`
	Success        *bool           `json:"success,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *WorkError      `json:"error,omitempty"`
	Retries        int             `json:"retries"`
	Timeout        time.Duration   `json:"timeout,omitempty"`
	Worker         string          `json:"worker,omitempty"`
	OriginalWorkID string          `json:"original_work_id,omitempty"`
	AutoScheduled  bool            `json:"autoscheduled"`
	Deleted        *time.Time      `json:"deleted,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Status derives the reported state from the stored fields.
func (w *WorkItem) Status() Status {
	switch {
	case w.Deleted != nil:
		return StatusDeleted
	case w.Finished != nil:
		if w.Success != nil && *w.Success {
			return StatusSuccess
		}
		return StatusFailed
	case w.Started != nil:
		return StatusAllocated
	default:
		return StatusNew
	}
}

// Eligible reports whether the item can be claimed at the given time.
// Type registration is checked by the caller against the Director.
func (w *WorkItem) Eligible(now time.Time) bool {
	return w.Deleted == nil && w.Finished == nil && w.Started == nil &&
		!w.Scheduled.After(now)
}

// ClaimBefore is the total claim order: priority descending, then
// scheduled ascending (oldest eligible first), then ID for determinism.
func ClaimBefore(a, b *WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Scheduled.Equal(b.Scheduled) {
		return a.Scheduled.Before(b.Scheduled)
	}
	return a.ID < b.ID
}
