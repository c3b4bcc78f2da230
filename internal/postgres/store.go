package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unchainedshop/workqueue/internal/domain"
)

// workColumns is the canonical column list shared by every query that
// returns full work items.
const workColumns = `
	id, type, input, priority, scheduled, started, finished, success,
	result, error, retries, timeout_ms, worker, original_work_id,
	autoscheduled, deleted, created_at, updated_at`

// QueueFilter narrows FindQueue/CountQueue results. Zero values mean
// "no constraint"; Limit defaults to 50.
type QueueFilter struct {
	Types    []string
	Statuses []domain.Status
	Created  *time.Time // only items created at or after this instant
	Limit    int
	Offset   int
}

// WorkStore is the sole authority over work item persistence. It is the
// only component allowed to perform the atomic claim.
type WorkStore interface {
	Add(ctx context.Context, item *domain.WorkItem) error
	ClaimNext(ctx context.Context, activeTypes []string, workerID string) (*domain.WorkItem, error)
	Finish(ctx context.Context, workID string, success bool, result json.RawMessage, workErr *domain.WorkError) (*domain.WorkItem, error)
	Reschedule(ctx context.Context, workID string, nextScheduled time.Time, retriesLeft int, workErr *domain.WorkError) (*domain.WorkItem, error)
	Reclaim(ctx context.Context, workID string) (*domain.WorkItem, error)
	FindZombies(ctx context.Context, now time.Time) ([]*domain.WorkItem, error)
	GetByID(ctx context.Context, workID string) (*domain.WorkItem, error)
	FindQueue(ctx context.Context, f QueueFilter) ([]*domain.WorkItem, error)
	CountQueue(ctx context.Context, f QueueFilter) (int64, error)
	FindActiveTypes(ctx context.Context) ([]string, error)
	CountAllocatedByType(ctx context.Context, types []string) (map[string]int, error)
	MarkDeleted(ctx context.Context, workID string) (*domain.WorkItem, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pgxpool with the WorkStore interface.
func NewStore(pool *pgxpool.Pool) WorkStore {
	return &store{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *store) Add(ctx context.Context, item *domain.WorkItem) error {
	var errJSON []byte
	if item.Error != nil {
		errJSON, _ = json.Marshal(item.Error)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_items
			(id, type, input, priority, scheduled, started, finished, success,
			 result, error, retries, timeout_ms, worker, original_work_id,
			 autoscheduled, deleted, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		item.ID, item.Type, item.Input, item.Priority, item.Scheduled,
		item.Started, item.Finished, item.Success, item.Result, errJSON,
		item.Retries, timeoutMs(item.Timeout), nullable(item.Worker),
		nullable(item.OriginalWorkID), item.AutoScheduled, item.Deleted,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("add work %s: %w", item.ID, err)
	}
	return nil
}

// ClaimNext atomically transitions the single highest-priority eligible
// item from NEW to ALLOCATED. The SELECT ... FOR UPDATE SKIP LOCKED inner
// query plus the conditional UPDATE is one atomic operation: two workers
// racing for the same row can never both win. Returns (nil, nil) when
// nothing is eligible.
func (s *store) ClaimNext(ctx context.Context, activeTypes []string, workerID string) (*domain.WorkItem, error) {
	if len(activeTypes) == 0 {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET started = now(), worker = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM work_items
			WHERE type = ANY($2)
			  AND started IS NULL
			  AND finished IS NULL
			  AND deleted IS NULL
			  AND scheduled <= now()
			ORDER BY priority DESC, scheduled ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+workColumns,
		workerID, activeTypes,
	)
	item, err := scanWork(row)
	if err != nil {
		var notFound *domain.WorkNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next for worker %s: %w", workerID, err)
	}
	return item, nil
}

// Finish records the terminal outcome. The `finished IS NULL` guard makes
// the write idempotent: a second finish never flips the stored result and
// surfaces as AlreadyFinishedError instead.
func (s *store) Finish(ctx context.Context, workID string, success bool, result json.RawMessage, workErr *domain.WorkError) (*domain.WorkItem, error) {
	var errJSON []byte
	if workErr != nil {
		errJSON, _ = json.Marshal(workErr)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET finished = now(), success = $2, result = $3, error = $4, updated_at = now()
		WHERE id = $1 AND finished IS NULL
		RETURNING `+workColumns,
		workID, success, result, errJSON,
	)
	item, err := scanWork(row)
	if err != nil {
		var notFound *domain.WorkNotFoundError
		if errors.As(err, &notFound) {
			return nil, s.finishConflict(ctx, workID)
		}
		return nil, fmt.Errorf("finish work %s: %w", workID, err)
	}
	return item, nil
}

// finishConflict distinguishes "no such item" from "already finished"
// after a zero-row finish update.
func (s *store) finishConflict(ctx context.Context, workID string) error {
	existing, err := s.GetByID(ctx, workID)
	if err != nil {
		return err
	}
	return &domain.AlreadyFinishedError{WorkID: workID, Status: existing.Status()}
}

// Reschedule returns a failed attempt to the queue: started/worker are
// cleared, retries is set to the remaining budget, scheduled moves to
// the future slot chosen by the rescheduler and the attempt's error is
// recorded so a queued item shows why its last run failed.
func (s *store) Reschedule(ctx context.Context, workID string, nextScheduled time.Time, retriesLeft int, workErr *domain.WorkError) (*domain.WorkItem, error) {
	var errJSON []byte
	if workErr != nil {
		errJSON, _ = json.Marshal(workErr)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET started = NULL, worker = NULL, scheduled = $2, retries = $3, error = $4, updated_at = now()
		WHERE id = $1 AND finished IS NULL
		RETURNING `+workColumns,
		workID, nextScheduled, retriesLeft, errJSON,
	)
	item, err := scanWork(row)
	if err != nil {
		var notFound *domain.WorkNotFoundError
		if errors.As(err, &notFound) {
			return nil, s.finishConflict(ctx, workID)
		}
		return nil, fmt.Errorf("reschedule work %s: %w", workID, err)
	}
	return item, nil
}

// Reclaim clears a zombie claim without touching the retry budget: the
// worker process is presumed dead, so the attempt does not count.
func (s *store) Reclaim(ctx context.Context, workID string) (*domain.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET started = NULL, worker = NULL, updated_at = now()
		WHERE id = $1 AND started IS NOT NULL AND finished IS NULL
		RETURNING `+workColumns,
		workID,
	)
	item, err := scanWork(row)
	if err != nil {
		return nil, fmt.Errorf("reclaim work %s: %w", workID, err)
	}
	return item, nil
}

func (s *store) FindZombies(ctx context.Context, now time.Time) ([]*domain.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workColumns+`
		FROM work_items
		WHERE started IS NOT NULL
		  AND finished IS NULL
		  AND deleted IS NULL
		  AND timeout_ms IS NOT NULL
		  AND started + (timeout_ms * interval '1 millisecond') < $1
		ORDER BY started ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("find zombies: %w", err)
	}
	defer rows.Close()
	return collectWork(rows)
}

func (s *store) GetByID(ctx context.Context, workID string) (*domain.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workColumns+` FROM work_items WHERE id = $1
	`, workID)
	item, err := scanWork(row)
	if err != nil {
		var notFound *domain.WorkNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.WorkNotFoundError{WorkID: workID}
		}
		return nil, fmt.Errorf("get work %s: %w", workID, err)
	}
	return item, nil
}

func (s *store) FindQueue(ctx context.Context, f QueueFilter) ([]*domain.WorkItem, error) {
	where, args := buildFilter(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT %s FROM work_items
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, workColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find queue: %w", err)
	}
	defer rows.Close()
	return collectWork(rows)
}

func (s *store) CountQueue(ctx context.Context, f QueueFilter) (int64, error) {
	where, args := buildFilter(f)
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM work_items WHERE "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return count, nil
}

// FindActiveTypes returns the distinct types with unfinished items —
// useful to spot perpetually-NEW items whose type has no adapter.
func (s *store) FindActiveTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT type FROM work_items
		WHERE finished IS NULL AND deleted IS NULL
		ORDER BY type
	`)
	if err != nil {
		return nil, fmt.Errorf("find active types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan active type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// CountAllocatedByType counts currently allocated rows per type. This is
// the store-side truth behind cross-process concurrency limits; the
// Director's local counters are only hints.
func (s *store) CountAllocatedByType(ctx context.Context, types []string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, count(*) FROM work_items
		WHERE type = ANY($1)
		  AND started IS NOT NULL AND finished IS NULL AND deleted IS NULL
		GROUP BY type
	`, types)
	if err != nil {
		return nil, fmt.Errorf("count allocated: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(types))
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan allocation count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// MarkDeleted soft-deletes an item. The allocated guard lives in the
// same statement as the write, so a claim racing this call can never
// have its item deleted out from under it.
func (s *store) MarkDeleted(ctx context.Context, workID string) (*domain.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET deleted = now(), updated_at = now()
		WHERE id = $1 AND deleted IS NULL
		  AND (started IS NULL OR finished IS NOT NULL)
		RETURNING `+workColumns,
		workID,
	)
	item, err := scanWork(row)
	if err != nil {
		var notFound *domain.WorkNotFoundError
		if errors.As(err, &notFound) {
			return nil, s.deleteConflict(ctx, workID)
		}
		return nil, fmt.Errorf("delete work %s: %w", workID, err)
	}
	return item, nil
}

// deleteConflict distinguishes "no such item" from "currently allocated"
// after a zero-row delete update.
func (s *store) deleteConflict(ctx context.Context, workID string) error {
	existing, err := s.GetByID(ctx, workID)
	if err != nil {
		return err
	}
	if existing.Status() == domain.StatusAllocated {
		return &domain.WorkAllocatedError{WorkID: workID}
	}
	return &domain.WorkNotFoundError{WorkID: workID}
}

// PurgeFinishedBefore hard-deletes finished items older than the cutoff.
// This is the retention pass, distinct from the soft `deleted` marker.
func (s *store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM work_items WHERE finished IS NOT NULL AND finished < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge finished before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// buildFilter translates a QueueFilter into a WHERE clause. Derived
// statuses are expanded into conditions on the stored fields.
func buildFilter(f QueueFilter) (string, []any) {
	where := "TRUE"
	var args []any

	if len(f.Types) > 0 {
		args = append(args, f.Types)
		where += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	if f.Created != nil {
		args = append(args, *f.Created)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if len(f.Statuses) > 0 {
		var conds string
		for i, st := range f.Statuses {
			if i > 0 {
				conds += " OR "
			}
			conds += statusCondition(st)
		}
		where += " AND (" + conds + ")"
	}
	return where, args
}

func statusCondition(s domain.Status) string {
	switch s {
	case domain.StatusNew:
		return "(started IS NULL AND finished IS NULL AND deleted IS NULL)"
	case domain.StatusAllocated:
		return "(started IS NOT NULL AND finished IS NULL AND deleted IS NULL)"
	case domain.StatusSuccess:
		return "(finished IS NOT NULL AND success AND deleted IS NULL)"
	case domain.StatusFailed:
		return "(finished IS NOT NULL AND NOT success AND deleted IS NULL)"
	case domain.StatusDeleted:
		return "(deleted IS NOT NULL)"
	default:
		return "FALSE"
	}
}

func collectWork(rows pgx.Rows) ([]*domain.WorkItem, error) {
	var items []*domain.WorkItem
	for rows.Next() {
		item, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// scanWork reads a work item row from any pgx row type.
func scanWork(row interface {
	Scan(...any) error
}) (*domain.WorkItem, error) {
	var (
		item       domain.WorkItem
		errJSON    []byte
		timeoutVal *int64
		worker     *string
		originalID *string
	)
	err := row.Scan(
		&item.ID, &item.Type, &item.Input, &item.Priority, &item.Scheduled,
		&item.Started, &item.Finished, &item.Success, &item.Result, &errJSON,
		&item.Retries, &timeoutVal, &worker, &originalID,
		&item.AutoScheduled, &item.Deleted, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.WorkNotFoundError{WorkID: "unknown"}
		}
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	if len(errJSON) > 0 {
		var we domain.WorkError
		if err := json.Unmarshal(errJSON, &we); err == nil {
			item.Error = &we
		}
	}
	if timeoutVal != nil {
		item.Timeout = time.Duration(*timeoutVal) * time.Millisecond
	}
	if worker != nil {
		item.Worker = *worker
	}
	if originalID != nil {
		item.OriginalWorkID = *originalID
	}
	return &item, nil
}

func timeoutMs(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
