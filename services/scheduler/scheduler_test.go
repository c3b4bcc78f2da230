package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/postgres"
)

type fakeRecurringStore struct {
	defs    []postgres.RecurringWork
	marked  map[string]time.Time // id → next_run_at written by MarkRun
	dueErr  error
	markErr error
}

func (s *fakeRecurringStore) Due(_ context.Context, now time.Time) ([]postgres.RecurringWork, error) {
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var due []postgres.RecurringWork
	for _, d := range s.defs {
		if !d.Enabled {
			continue
		}
		if d.NextRunAt == nil || !d.NextRunAt.After(now) {
			due = append(due, d)
		}
	}
	return due, nil
}

func (s *fakeRecurringStore) MarkRun(_ context.Context, id string, _, nextRun time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	if s.marked == nil {
		s.marked = make(map[string]time.Time)
	}
	s.marked[id] = nextRun
	return nil
}

func (s *fakeRecurringStore) Upsert(context.Context, *postgres.RecurringWork) error { return nil }

type addCall struct {
	workType string
	input    json.RawMessage
	opts     director.AddOptions
}

type fakeAPI struct {
	calls  []addCall
	addErr error
}

func (a *fakeAPI) AddWork(_ context.Context, workType string, input json.RawMessage, opts director.AddOptions) (string, error) {
	if a.addErr != nil {
		return "", a.addErr
	}
	a.calls = append(a.calls, addCall{workType: workType, input: input, opts: opts})
	return "work-1", nil
}

func (a *fakeAPI) FindWork(context.Context, string) (*domain.WorkItem, error) {
	return nil, errors.New("not implemented")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestScheduler_FireEnqueuesAutoscheduledWork(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeRecurringStore{}
	s := NewScheduler(store, api, nil, time.Minute, quietLogger())

	def := postgres.RecurringWork{
		ID:       "def-1",
		Name:     "hourly-heartbeat",
		CronExpr: "0 * * * *",
		WorkType: "heartbeat",
		Input:    json.RawMessage(`{"source":"cron"}`),
		Retries:  2,
		Timeout:  10 * time.Second,
		Enabled:  true,
	}
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	require.NoError(t, s.fire(context.Background(), def, now))

	require.Len(t, api.calls, 1)
	call := api.calls[0]
	assert.Equal(t, "heartbeat", call.workType)
	assert.JSONEq(t, `{"source":"cron"}`, string(call.input))
	assert.True(t, call.opts.AutoScheduled)
	assert.Equal(t, "def-1", call.opts.OriginalWorkID)
	require.NotNil(t, call.opts.Retries)
	assert.Equal(t, 2, *call.opts.Retries)
	assert.Equal(t, 10*time.Second, call.opts.Timeout)

	// next full hour after 10:30
	assert.Equal(t, time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC), store.marked["def-1"])
}

func TestScheduler_FireRejectsBadCron(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeRecurringStore{}
	s := NewScheduler(store, api, nil, time.Minute, quietLogger())

	def := postgres.RecurringWork{ID: "def-1", Name: "broken", CronExpr: "not a cron", WorkType: "heartbeat", Enabled: true}
	err := s.fire(context.Background(), def, time.Now().UTC())

	require.Error(t, err)
	assert.Empty(t, api.calls, "nothing enqueued for an unparseable expression")
	assert.Empty(t, store.marked, "run not recorded")
}

func TestScheduler_FireDueSkipsFutureAndDisabled(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	api := &fakeAPI{}
	store := &fakeRecurringStore{defs: []postgres.RecurringWork{
		{ID: "due", Name: "due", CronExpr: "* * * * *", WorkType: "heartbeat", Enabled: true, NextRunAt: &past},
		{ID: "later", Name: "later", CronExpr: "* * * * *", WorkType: "heartbeat", Enabled: true, NextRunAt: &future},
		{ID: "off", Name: "off", CronExpr: "* * * * *", WorkType: "heartbeat", Enabled: false, NextRunAt: &past},
	}}
	s := NewScheduler(store, api, nil, time.Minute, quietLogger())

	require.NoError(t, s.fireDue(context.Background()))

	require.Len(t, api.calls, 1)
	assert.Contains(t, store.marked, "due")
	assert.NotContains(t, store.marked, "later")
	assert.NotContains(t, store.marked, "off")
}

func TestScheduler_FireDoesNotAdvanceOnEnqueueFailure(t *testing.T) {
	api := &fakeAPI{addErr: errors.New("store down")}
	store := &fakeRecurringStore{}
	s := NewScheduler(store, api, nil, time.Minute, quietLogger())

	def := postgres.RecurringWork{ID: "def-1", Name: "x", CronExpr: "* * * * *", WorkType: "heartbeat", Enabled: true}
	err := s.fire(context.Background(), def, time.Now().UTC())

	require.Error(t, err)
	assert.Empty(t, store.marked, "next_run_at untouched so the fire is retried next tick")
}
