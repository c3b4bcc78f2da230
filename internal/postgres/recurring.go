package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RecurringWork mirrors the recurring_work table: a named cron definition
// that the scheduler turns into autoscheduled work items.
type RecurringWork struct {
	ID        string
	Name      string
	CronExpr  string
	WorkType  string
	Input     json.RawMessage
	Retries   int
	Timeout   time.Duration
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// RecurringStore reads and advances recurring work definitions.
type RecurringStore interface {
	Due(ctx context.Context, now time.Time) ([]RecurringWork, error)
	MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
	Upsert(ctx context.Context, def *RecurringWork) error
}

type recurringStore struct {
	pool *pgxpool.Pool
}

// NewRecurringStore wraps a pgxpool with the RecurringStore interface.
func NewRecurringStore(pool *pgxpool.Pool) RecurringStore {
	return &recurringStore{pool: pool}
}

// Due returns enabled definitions whose next run is at or before now.
// A NULL next_run_at means "never fired": those are due immediately.
func (s *recurringStore) Due(ctx context.Context, now time.Time) ([]RecurringWork, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cron_expr, work_type, input, retries, timeout_ms, enabled, last_run_at, next_run_at
		FROM recurring_work
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at ASC NULLS FIRST
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query recurring_work: %w", err)
	}
	defer rows.Close()

	var defs []RecurringWork
	for rows.Next() {
		var (
			def  RecurringWork
			tmMs *int64
		)
		if err := rows.Scan(
			&def.ID, &def.Name, &def.CronExpr, &def.WorkType,
			&def.Input, &def.Retries, &tmMs, &def.Enabled,
			&def.LastRunAt, &def.NextRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan recurring_work: %w", err)
		}
		if tmMs != nil {
			def.Timeout = time.Duration(*tmMs) * time.Millisecond
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *recurringStore) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE recurring_work
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, lastRun, nextRun, id); err != nil {
		return fmt.Errorf("mark recurring_work %s run: %w", id, err)
	}
	return nil
}

// Upsert creates or replaces a definition by name, so deployments can
// declare their recurring work idempotently at startup.
func (s *recurringStore) Upsert(ctx context.Context, def *RecurringWork) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO recurring_work (id, name, cron_expr, work_type, input, retries, timeout_ms, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    work_type = EXCLUDED.work_type,
		    input = EXCLUDED.input,
		    retries = EXCLUDED.retries,
		    timeout_ms = EXCLUDED.timeout_ms,
		    enabled = EXCLUDED.enabled
	`, def.ID, def.Name, def.CronExpr, def.WorkType, def.Input,
		def.Retries, timeoutMs(def.Timeout), def.Enabled); err != nil {
		return fmt.Errorf("upsert recurring_work %q: %w", def.Name, err)
	}
	return nil
}
