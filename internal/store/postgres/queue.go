package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"runway/internal/domain/run"
	apperrors "runway/internal/errors"
	"runway/internal/shared/logging"
)

const runQueueTable = "runway_run_queue"

// DefaultMaxAttempts caps run attempts when the enqueued item does not
// set its own limit.
const DefaultMaxAttempts = 3

// RunQueue is the Postgres run.Queue backend. ClaimNext relies on
// FOR UPDATE SKIP LOCKED so competing orchestrators never double-claim.
type RunQueue struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewRunQueue constructs a Postgres-backed run queue.
func NewRunQueue(pool *pgxpool.Pool) *RunQueue {
	return &RunQueue{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresRunQueue"),
	}
}

// EnsureSchema creates the run queue table if it does not exist.
func (q *RunQueue) EnsureSchema(ctx context.Context) error {
	if q == nil || q.pool == nil {
		return fmt.Errorf("run queue not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued',
    lock_owner TEXT NOT NULL DEFAULT '',
    lock_expires_at TIMESTAMPTZ,
    available_at TIMESTAMPTZ,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    payload JSONB,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, runQueueTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_claim ON %s (status, created_at, run_id);`, runQueueTable, runQueueTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lease ON %s (status, lock_expires_at);`, runQueueTable, runQueueTable),
	}
	for _, stmt := range statements {
		if _, err := q.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure run queue schema: %w", err)
		}
	}
	return nil
}

const runColumns = `run_id, session_id, provider, status, lock_owner, lock_expires_at,
       available_at, attempts, max_attempts, payload, error_message, created_at, updated_at`

func scanRunItem(row pgx.Row) (*run.Item, error) {
	var item run.Item
	var payload []byte
	if err := row.Scan(&item.RunID, &item.SessionID, &item.Provider, &item.Status,
		&item.LockOwner, &item.LockExpiresAt, &item.AvailableAt,
		&item.Attempts, &item.MaxAttempts, &payload, &item.ErrorMessage,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		item.Payload = payload
	}
	return &item, nil
}

// Enqueue inserts the item iff its RunID is new.
func (q *RunQueue) Enqueue(ctx context.Context, item *run.Item) (bool, error) {
	if q == nil || q.pool == nil {
		return false, fmt.Errorf("run queue not initialized")
	}
	if item == nil || item.RunID == "" {
		return false, fmt.Errorf("run_id required")
	}

	status := item.Status
	if status == "" {
		status = run.StatusQueued
	}
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var payload any
	if len(item.Payload) > 0 {
		payload = []byte(item.Payload)
	}
	tag, err := q.pool.Exec(ctx, `
INSERT INTO `+runQueueTable+` (run_id, session_id, provider, status, available_at, attempts, max_attempts, payload, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $10)
ON CONFLICT (run_id) DO NOTHING
`, item.RunID, item.SessionID, item.Provider, status, item.AvailableAt,
		item.Attempts, maxAttempts, payload, item.ErrorMessage, createdAt)
	if err != nil {
		return false, fmt.Errorf("enqueue run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimNext atomically claims the oldest claimable item for owner.
func (q *RunQueue) ClaimNext(ctx context.Context, owner string, now time.Time, lease time.Duration) (*run.Item, bool, error) {
	if q == nil || q.pool == nil {
		return nil, false, fmt.Errorf("run queue not initialized")
	}
	if owner == "" {
		return nil, false, fmt.Errorf("claim owner required")
	}
	if lease <= 0 {
		return nil, false, fmt.Errorf("claim lease must be positive")
	}

	row := q.pool.QueryRow(ctx, `
WITH next AS (
    SELECT run_id FROM `+runQueueTable+`
    WHERE (status = 'queued' AND (available_at IS NULL OR available_at <= $2))
       OR (status = 'claimed' AND lock_expires_at IS NOT NULL AND lock_expires_at <= $2)
    ORDER BY created_at, run_id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE `+runQueueTable+` t
SET status = 'claimed', lock_owner = $1, lock_expires_at = $3,
    available_at = NULL, attempts = t.attempts + 1, error_message = '', updated_at = $2
FROM next
WHERE t.run_id = next.run_id
RETURNING t.run_id, t.session_id, t.provider, t.status, t.lock_owner, t.lock_expires_at,
          t.available_at, t.attempts, t.max_attempts, t.payload, t.error_message, t.created_at, t.updated_at
`, owner, now.UTC(), now.Add(lease).UTC())
	item, err := scanRunItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim next run: %w", err)
	}
	return item, true, nil
}

// RenewLease extends the lease while owner still holds the claim.
func (q *RunQueue) RenewLease(ctx context.Context, runID, owner string, until time.Time) (bool, error) {
	if q == nil || q.pool == nil {
		return false, fmt.Errorf("run queue not initialized")
	}

	tag, err := q.pool.Exec(ctx, `
UPDATE `+runQueueTable+`
SET lock_expires_at = $3, updated_at = now()
WHERE run_id = $1 AND status = 'claimed' AND lock_owner = $2
`, runID, owner, until.UTC())
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSucceeded finalizes the run as succeeded.
func (q *RunQueue) MarkSucceeded(ctx context.Context, runID string, now time.Time) error {
	return q.markTerminal(ctx, runID, run.StatusSucceeded, now, "")
}

// MarkCanceled finalizes the run as canceled.
func (q *RunQueue) MarkCanceled(ctx context.Context, runID string, now time.Time, reason string) error {
	return q.markTerminal(ctx, runID, run.StatusCanceled, now, reason)
}

// MarkFailed finalizes the run as failed regardless of remaining attempts.
func (q *RunQueue) MarkFailed(ctx context.Context, runID string, now time.Time, reason string) error {
	return q.markTerminal(ctx, runID, run.StatusFailed, now, reason)
}

func (q *RunQueue) markTerminal(ctx context.Context, runID string, target run.Status, now time.Time, reason string) error {
	if q == nil || q.pool == nil {
		return fmt.Errorf("run queue not initialized")
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin terminal tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current run.Status
	err = tx.QueryRow(ctx, `SELECT status FROM `+runQueueTable+` WHERE run_id = $1 FOR UPDATE`, runID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFoundError(fmt.Sprintf("run %s", runID))
		}
		return fmt.Errorf("load run for terminal mark: %w", err)
	}
	if current == target {
		return tx.Commit(ctx)
	}
	if current.IsTerminal() {
		return apperrors.ConflictError(fmt.Sprintf("run %s already %s", runID, current))
	}

	_, err = tx.Exec(ctx, `
UPDATE `+runQueueTable+`
SET status = $2, lock_owner = '', lock_expires_at = NULL, available_at = NULL,
    error_message = CASE WHEN $3 = '' THEN error_message ELSE $3 END,
    updated_at = $4
WHERE run_id = $1
`, runID, target, reason, now.UTC())
	if err != nil {
		return fmt.Errorf("mark run %s: %w", target, err)
	}
	return tx.Commit(ctx)
}

// MarkRetryOrFailed requeues the run for a later attempt or fails it when
// attempts are exhausted.
func (q *RunQueue) MarkRetryOrFailed(ctx context.Context, runID string, now time.Time, retryDelay time.Duration, errorMessage string) (*run.RetryOutcome, error) {
	if q == nil || q.pool == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	outcome := &run.RetryOutcome{}
	var current run.Status
	err = tx.QueryRow(ctx, `
SELECT status, attempts, max_attempts FROM `+runQueueTable+` WHERE run_id = $1 FOR UPDATE
`, runID).Scan(&current, &outcome.Attempts, &outcome.MaxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError(fmt.Sprintf("run %s", runID))
		}
		return nil, fmt.Errorf("load run for retry: %w", err)
	}
	if current.IsTerminal() {
		outcome.Status = current
		return outcome, tx.Commit(ctx)
	}

	if outcome.Attempts >= outcome.MaxAttempts {
		outcome.Status = run.StatusFailed
		_, err = tx.Exec(ctx, `
UPDATE `+runQueueTable+`
SET status = 'failed', lock_owner = '', lock_expires_at = NULL, available_at = NULL,
    error_message = $2, updated_at = $3
WHERE run_id = $1
`, runID, errorMessage, now.UTC())
	} else {
		outcome.Status = run.StatusQueued
		_, err = tx.Exec(ctx, `
UPDATE `+runQueueTable+`
SET status = 'queued', lock_owner = '', lock_expires_at = NULL, available_at = $2,
    error_message = $3, updated_at = $4
WHERE run_id = $1
`, runID, now.Add(retryDelay).UTC(), errorMessage, now.UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("mark retry or failed: %w", err)
	}
	return outcome, tx.Commit(ctx)
}

// FindByRunID loads one item.
func (q *RunQueue) FindByRunID(ctx context.Context, runID string) (*run.Item, error) {
	if q == nil || q.pool == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}

	row := q.pool.QueryRow(ctx, `
SELECT `+runColumns+` FROM `+runQueueTable+` WHERE run_id = $1
`, runID)
	item, err := scanRunItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError(fmt.Sprintf("run %s", runID))
		}
		return nil, fmt.Errorf("find run: %w", err)
	}
	return item, nil
}

// ListExpiredClaims returns claimed items with an expired lease, oldest first.
func (q *RunQueue) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*run.Item, error) {
	if q == nil || q.pool == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.pool.Query(ctx, `
SELECT `+runColumns+` FROM `+runQueueTable+`
WHERE status = 'claimed' AND lock_expires_at IS NOT NULL AND lock_expires_at <= $1
ORDER BY created_at, run_id
LIMIT $2
`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired claims: %w", err)
	}
	defer rows.Close()

	var out []*run.Item
	for rows.Next() {
		item, err := scanRunItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired claim: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CountByStatus returns queue depth per status.
func (q *RunQueue) CountByStatus(ctx context.Context) (map[run.Status]int, error) {
	if q == nil || q.pool == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}

	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM `+runQueueTable+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[run.Status]int, 5)
	for rows.Next() {
		var status run.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

var _ run.Queue = (*RunQueue)(nil)
