package director

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/unchainedshop/workqueue/internal/domain"
)

// WorkAPI is handed to adapters so they can enqueue follow-up work or
// inspect existing items without touching the store directly.
type WorkAPI interface {
	AddWork(ctx context.Context, workType string, input json.RawMessage, opts AddOptions) (string, error)
	FindWork(ctx context.Context, workID string) (*domain.WorkItem, error)
}

// AddOptions mirrors the optional addWork parameters. Zero values fall
// back to the queue defaults (scheduled=now, configured retries, priority 0).
type AddOptions struct {
	Priority       int
	Scheduled      time.Time
	Retries        *int
	Timeout        time.Duration
	AutoScheduled  bool
	OriginalWorkID string
}

// Adapter performs one unit of work for a single type.
//
// DoWork must not mutate the work item; all state transitions happen
// through the store, driven by the worker loop, after DoWork returns.
type Adapter interface {
	// WorkType is the type string this adapter handles.
	WorkType() string
	// MaxParallelAllocations caps concurrently allocated items of this
	// type within this process. Zero means uncapped.
	MaxParallelAllocations() int
	// External marks types completed from outside the worker loop.
	// External adapters must fail DoWork loudly.
	External() bool
	// DoWork executes the job. Returning an error is equivalent to a
	// failed result; the worker loop records it and consults the
	// rescheduler.
	DoWork(ctx context.Context, input json.RawMessage, api WorkAPI, workID string) (json.RawMessage, error)
}

// Director maps work types to registered adapters and tracks per-type
// in-flight allocations so fragile downstreams are not over-claimed.
// The counters are process-local hints, not a cross-process cap.
type Director struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	inflight map[string]int
}

// New creates an empty Director. Adapters are registered explicitly from
// the composition root during process initialization.
func New() *Director {
	return &Director{
		adapters: make(map[string]Adapter),
		inflight: make(map[string]int),
	}
}

// Register adds an adapter, replacing any previous adapter for the same
// type. Safe to call concurrently.
func (d *Director) Register(a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.WorkType()] = a
}

// AdapterFor returns the adapter for the given work type.
// Returns UnknownWorkTypeError if none is registered.
func (d *Director) AdapterFor(workType string) (Adapter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[workType]
	if !ok {
		return nil, &domain.UnknownWorkTypeError{WorkType: workType}
	}
	return a, nil
}

// RegisteredTypes returns every registered type, external ones included.
// This is the public activeWorkTypes surface: external types stay valid
// targets for addWork and manual completion.
func (d *Director) RegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.adapters))
	for t := range d.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ClaimableTypes returns the types eligible for a local claim attempt:
// registered, non-external, and not currently at their parallel cap.
func (d *Director) ClaimableTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.adapters))
	for t, a := range d.adapters {
		if a.External() {
			continue
		}
		if limit := a.MaxParallelAllocations(); limit > 0 && d.inflight[t] >= limit {
			continue
		}
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Acquire records one in-flight allocation for the type. Called by the
// worker loop right after a successful claim.
func (d *Director) Acquire(workType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[workType]++
}

// Release undoes Acquire once the item is finalized or rescheduled.
func (d *Director) Release(workType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[workType] > 0 {
		d.inflight[workType]--
	}
}

// Inflight reports the current local allocation count for a type.
func (d *Director) Inflight(workType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inflight[workType]
}
