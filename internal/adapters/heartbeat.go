// Package adapters ships the reference worker adapters. Business logic
// belongs in the adapter implementations of the embedding application;
// these exist to exercise the loop and to serve as templates.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/unchainedshop/workqueue/internal/director"
)

// Heartbeat is a trivial adapter that always succeeds. Useful for
// liveness probing of the whole claim→execute→finalize pipeline.
type Heartbeat struct{}

func (Heartbeat) WorkType() string            { return "heartbeat" }
func (Heartbeat) MaxParallelAllocations() int { return 0 }
func (Heartbeat) External() bool              { return false }

func (Heartbeat) DoWork(_ context.Context, input json.RawMessage, _ director.WorkAPI, _ string) (json.RawMessage, error) {
	result := fmt.Sprintf(`{"beat":%q}`, time.Now().UTC().Format(time.RFC3339))
	if len(input) > 0 {
		return json.RawMessage(fmt.Sprintf(`{"beat":%q,"echo":%s}`, time.Now().UTC().Format(time.RFC3339), input)), nil
	}
	return json.RawMessage(result), nil
}
