package queue_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/events"
	"github.com/unchainedshop/workqueue/internal/postgres"
	"github.com/unchainedshop/workqueue/internal/queue"
)

// ── in-memory store fake ─────────────────────────────────────────────────────

type memStore struct {
	mu    sync.Mutex
	items map[string]*domain.WorkItem
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*domain.WorkItem)}
}

func (m *memStore) Add(_ context.Context, item *domain.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, &domain.WorkNotFoundError{WorkID: id}
	}
	cp := *item
	return &cp, nil
}

func (m *memStore) ClaimNext(_ context.Context, activeTypes []string, workerID string) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()

	var candidates []*domain.WorkItem
	for _, item := range m.items {
		if !item.Eligible(now) {
			continue
		}
		for _, t := range activeTypes {
			if item.Type == t {
				candidates = append(candidates, item)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return domain.ClaimBefore(candidates[i], candidates[j])
	})
	winner := candidates[0]
	winner.Started = &now
	winner.Worker = workerID
	cp := *winner
	return &cp, nil
}

func (m *memStore) Finish(_ context.Context, id string, success bool, result json.RawMessage, workErr *domain.WorkError) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, &domain.WorkNotFoundError{WorkID: id}
	}
	if item.Finished != nil {
		return nil, &domain.AlreadyFinishedError{WorkID: id, Status: item.Status()}
	}
	now := time.Now().UTC()
	item.Finished = &now
	item.Success = &success
	item.Result = result
	item.Error = workErr
	cp := *item
	return &cp, nil
}

func (m *memStore) Reschedule(_ context.Context, id string, next time.Time, retriesLeft int, workErr *domain.WorkError) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, &domain.WorkNotFoundError{WorkID: id}
	}
	item.Started = nil
	item.Worker = ""
	item.Scheduled = next
	item.Retries = retriesLeft
	item.Error = workErr
	cp := *item
	return &cp, nil
}

func (m *memStore) Reclaim(_ context.Context, id string) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Started == nil || item.Finished != nil {
		return nil, &domain.WorkNotFoundError{WorkID: id}
	}
	item.Started = nil
	item.Worker = ""
	cp := *item
	return &cp, nil
}

func (m *memStore) FindZombies(_ context.Context, now time.Time) ([]*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zombies []*domain.WorkItem
	for _, item := range m.items {
		if item.Started != nil && item.Finished == nil && item.Timeout > 0 &&
			now.Sub(*item.Started) > item.Timeout {
			cp := *item
			zombies = append(zombies, &cp)
		}
	}
	return zombies, nil
}

func (m *memStore) FindQueue(_ context.Context, f postgres.QueueFilter) ([]*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WorkItem
	for _, item := range m.items {
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CountQueue(_ context.Context, _ postgres.QueueFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func (m *memStore) FindActiveTypes(_ context.Context) ([]string, error) { return nil, nil }

func (m *memStore) CountAllocatedByType(_ context.Context, types []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, item := range m.items {
		if item.Status() != domain.StatusAllocated {
			continue
		}
		for _, t := range types {
			if item.Type == t {
				counts[t]++
			}
		}
	}
	return counts, nil
}

func (m *memStore) MarkDeleted(_ context.Context, id string) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Deleted != nil {
		return nil, &domain.WorkNotFoundError{WorkID: id}
	}
	if item.Started != nil && item.Finished == nil {
		return nil, &domain.WorkAllocatedError{WorkID: id}
	}
	now := time.Now().UTC()
	item.Deleted = &now
	cp := *item
	return &cp, nil
}

func (m *memStore) PurgeFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, item := range m.items {
		if item.Finished != nil && item.Finished.Before(cutoff) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

var _ postgres.WorkStore = (*memStore)(nil)

// ── adapter stub ─────────────────────────────────────────────────────────────

type stubAdapter struct {
	workType    string
	external    bool
	maxParallel int
}

func (s *stubAdapter) WorkType() string            { return s.workType }
func (s *stubAdapter) MaxParallelAllocations() int { return s.maxParallel }
func (s *stubAdapter) External() bool              { return s.external }
func (s *stubAdapter) DoWork(_ context.Context, _ json.RawMessage, _ director.WorkAPI, _ string) (json.RawMessage, error) {
	return nil, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestQueue(t *testing.T) (*queue.Queue, *memStore, *events.ChannelEmitter) {
	t.Helper()
	store := newMemStore()
	d := director.New()
	d.Register(&stubAdapter{workType: "send-email"})
	d.Register(&stubAdapter{workType: "bulk-import", external: true})
	em := events.NewChannelEmitter(64)
	return queue.New(store, d, em, slog.Default()), store, em
}

func drainEvents(em *events.ChannelEmitter) []domain.EventName {
	var names []domain.EventName
	for {
		select {
		case e := <-em.C:
			names = append(names, e.Name)
		default:
			return names
		}
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestAddWork_DefaultsAndAddedEvent(t *testing.T) {
	q, store, em := newTestQueue(t)
	before := time.Now().UTC()

	id, err := q.AddWork(context.Background(), "send-email", json.RawMessage(`{"to":"a@b.com"}`), director.AddOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	item, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, item.Status())
	assert.Equal(t, queue.DefaultRetries, item.Retries)
	assert.Equal(t, 0, item.Priority)
	assert.False(t, item.Scheduled.Before(before), "scheduled should default to now")
	assert.Equal(t, []domain.EventName{domain.EventAdded}, drainEvents(em))
}

func TestAddWork_UnregisteredTypeIsAccepted(t *testing.T) {
	q, store, _ := newTestQueue(t)

	// Validation is deferred to claim time: producers never get an
	// unknown-type error back.
	id, err := q.AddWork(context.Background(), "not-registered", nil, director.AddOptions{})
	require.NoError(t, err)

	item, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, item.Status())
}

func TestAddWork_ExplicitOptions(t *testing.T) {
	q, store, _ := newTestQueue(t)
	scheduled := time.Now().UTC().Add(time.Hour)
	retries := 2

	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{
		Priority:  10,
		Scheduled: scheduled,
		Retries:   &retries,
		Timeout:   30 * time.Second,
	})
	require.NoError(t, err)

	item, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10, item.Priority)
	assert.Equal(t, 2, item.Retries)
	assert.Equal(t, 30*time.Second, item.Timeout)
	assert.True(t, item.Scheduled.Equal(scheduled))
}

func TestAllocateNext_EmitsAllocated(t *testing.T) {
	q, _, em := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	drainEvents(em)

	item, err := q.AllocateNext(context.Background(), []string{"send-email"}, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, domain.StatusAllocated, item.Status())
	assert.Equal(t, "worker-1", item.Worker)
	assert.Equal(t, []domain.EventName{domain.EventAllocated}, drainEvents(em))
}

func TestAllocateNext_NothingEligible(t *testing.T) {
	q, _, em := newTestQueue(t)

	item, err := q.AllocateNext(context.Background(), []string{"send-email"}, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Empty(t, drainEvents(em), "no claim, no event")
}

func TestAllocateNext_CrossProcessCapBlocksClaims(t *testing.T) {
	store := newMemStore()
	d := director.New()
	d.Register(&stubAdapter{workType: "send-email", maxParallel: 1})
	em := events.NewChannelEmitter(64)
	q := queue.New(store, d, em, slog.Default())

	_, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	_, err = q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)

	first, err := q.AllocateNext(context.Background(), []string{"send-email"}, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// The allocation on worker-1 counts against the cap for every worker.
	second, err := q.AllocateNext(context.Background(), []string{"send-email"}, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, second, "type at its cluster-wide cap")

	_, err = q.FinishWork(context.Background(), first.ID, true, nil, nil)
	require.NoError(t, err)

	third, err := q.AllocateNext(context.Background(), []string{"send-email"}, "worker-2")
	require.NoError(t, err)
	assert.NotNil(t, third, "finishing frees the slot")
}

func TestRescheduleWork_RecordsAttemptError(t *testing.T) {
	q, store, em := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	_, err = q.AllocateNext(context.Background(), []string{"send-email"}, "worker-1")
	require.NoError(t, err)
	drainEvents(em)

	next := time.Now().UTC().Add(time.Minute)
	workErr := &domain.WorkError{Kind: domain.ErrKindTimeout, Message: "smtp dial timed out"}
	item, err := q.RescheduleWork(context.Background(), id, next, 2, workErr)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, item.Status())
	assert.Equal(t, []domain.EventName{domain.EventRescheduled}, drainEvents(em))

	stored, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.Error)
	assert.Equal(t, domain.ErrKindTimeout, stored.Error.Kind)
	assert.Equal(t, "smtp dial timed out", stored.Error.Message)
}

func TestFinishWork_RoundTrip(t *testing.T) {
	q, _, em := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	_, err = q.AllocateNext(context.Background(), []string{"send-email"}, "worker-1")
	require.NoError(t, err)
	drainEvents(em)

	item, err := q.FinishWork(context.Background(), id, true, json.RawMessage(`{"sent":true}`), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, item.Status())
	assert.Equal(t, []domain.EventName{domain.EventFinished}, drainEvents(em))

	found, err := q.FindWork(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, found.Status())
	assert.JSONEq(t, `{"sent":true}`, string(found.Result))
	assert.NotNil(t, found.Finished)
}

func TestFinishWork_SecondFinishRejected(t *testing.T) {
	q, _, _ := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)

	_, err = q.FinishWork(context.Background(), id, true, nil, nil)
	require.NoError(t, err)

	_, err = q.FinishWork(context.Background(), id, false, nil, &domain.WorkError{Kind: domain.ErrKindFailed, Message: "late"})
	var already *domain.AlreadyFinishedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, domain.StatusSuccess, already.Status, "outcome never flips")
}

func TestDeleteWork_AllocatedItemsRefused(t *testing.T) {
	q, _, em := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	_, err = q.AllocateNext(context.Background(), []string{"send-email"}, "worker-1")
	require.NoError(t, err)
	drainEvents(em)

	_, err = q.DeleteWork(context.Background(), id)
	var allocated *domain.WorkAllocatedError
	require.ErrorAs(t, err, &allocated)
	assert.Empty(t, drainEvents(em))
}

func TestDeleteWork_EmitsDeleted(t *testing.T) {
	q, _, em := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	drainEvents(em)

	item, err := q.DeleteWork(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, item.Status())
	assert.Equal(t, []domain.EventName{domain.EventDeleted}, drainEvents(em))
}

func TestFinishExternalWork_OnlyForExternalTypes(t *testing.T) {
	q, _, _ := newTestQueue(t)

	localID, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	_, err = q.FinishExternalWork(context.Background(), localID, true, nil, nil)
	require.Error(t, err, "local types are completed by the worker loop only")
}

func TestFinishExternalWork_EmitsDoneThenFinished(t *testing.T) {
	q, _, em := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "bulk-import", nil, director.AddOptions{})
	require.NoError(t, err)
	drainEvents(em)

	item, err := q.FinishExternalWork(context.Background(), id, true, json.RawMessage(`{"rows":120}`), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, item.Status())
	assert.Equal(t, []domain.EventName{domain.EventDone, domain.EventFinished}, drainEvents(em))
}

func TestReclaimWork_KeepsRetries(t *testing.T) {
	q, store, em := newTestQueue(t)
	id, err := q.AddWork(context.Background(), "send-email", nil, director.AddOptions{})
	require.NoError(t, err)
	_, err = q.AllocateNext(context.Background(), []string{"send-email"}, "worker-1")
	require.NoError(t, err)
	drainEvents(em)

	item, err := q.ReclaimWork(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, item.Status())
	assert.Equal(t, queue.DefaultRetries, item.Retries, "reclaim must not consume a retry")
	assert.Empty(t, item.Worker)
	assert.Equal(t, []domain.EventName{domain.EventRescheduled}, drainEvents(em))

	stored, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, stored.Started)
}
