package adapters

import (
	"context"
	"encoding/json"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/domain"
)

// External registers a work type whose completion is reported from
// outside the worker loop (typically an API call after an asynchronous
// third-party process finishes). It exists so the type can be validated
// and labelled; executing it locally is always a bug.
type External struct {
	Type string
}

func (e External) WorkType() string            { return e.Type }
func (e External) MaxParallelAllocations() int { return 0 }
func (e External) External() bool              { return true }

func (e External) DoWork(context.Context, json.RawMessage, director.WorkAPI, string) (json.RawMessage, error) {
	return nil, &domain.ExternalTypeError{WorkType: e.Type}
}
