package domain

import "time"

// EventName identifies a work item lifecycle transition.
type EventName string

const (
	EventAdded       EventName = "ADDED"
	EventAllocated   EventName = "ALLOCATED"
	EventDone        EventName = "DONE"
	EventFinished    EventName = "FINISHED"
	EventDeleted     EventName = "DELETED"
	EventRescheduled EventName = "RESCHEDULED"
)

// Event is published on the event bus for every lifecycle transition.
//
// DONE and FINISHED are intentionally distinct: DONE means the work was
// computed (and may fire for externally-completed work), FINISHED always
// corresponds to the durable store write.
type Event struct {
	Name      EventName `json:"name"`
	WorkID    string    `json:"work_id"`
	WorkType  string    `json:"work_type"`
	Status    Status    `json:"status,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}
