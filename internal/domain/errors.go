package domain

import "fmt"

// WorkNotFoundError is returned when a work item ID does not exist.
type WorkNotFoundError struct {
	WorkID string
}

func (e *WorkNotFoundError) Error() string {
	return fmt.Sprintf("work item not found: %s", e.WorkID)
}

// UnknownWorkTypeError is returned when no adapter is registered for a work type.
type UnknownWorkTypeError struct {
	WorkType string
}

func (e *UnknownWorkTypeError) Error() string {
	return fmt.Sprintf("no adapter registered for work type %q", e.WorkType)
}

// ExternalTypeError is returned when DoWork is invoked on an external
// adapter. External work is completed from outside the execution loop;
// hitting this locally is a wiring mistake.
type ExternalTypeError struct {
	WorkType string
}

func (e *ExternalTypeError) Error() string {
	return fmt.Sprintf("cannot do work for external type %q", e.WorkType)
}

// WorkAllocatedError is returned when an operation cannot run because a
// worker currently holds the item.
type WorkAllocatedError struct {
	WorkID string
}

func (e *WorkAllocatedError) Error() string {
	return fmt.Sprintf("work item %s is allocated to a worker", e.WorkID)
}

// NotExternalError is returned when external completion is attempted on
// a type whose finalization is owned by the worker loop.
type NotExternalError struct {
	WorkType string
}

func (e *NotExternalError) Error() string {
	return fmt.Sprintf("work type %q is not external: completion is owned by the worker loop", e.WorkType)
}

// AlreadyFinishedError is returned when finish is called on a work item
// that already carries a terminal result. The stored outcome never flips.
type AlreadyFinishedError struct {
	WorkID string
	Status Status
}

func (e *AlreadyFinishedError) Error() string {
	return fmt.Sprintf("work item %s already finished with status %s", e.WorkID, e.Status)
}
