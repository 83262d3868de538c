package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"runway/internal/domain/worker"
	apperrors "runway/internal/errors"
	"runway/internal/shared/logging"
)

const sessionWorkersTable = "runway_session_workers"

// WorkerStore is the Postgres worker.Store backend.
type WorkerStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewWorkerStore constructs a Postgres-backed session-worker store.
func NewWorkerStore(pool *pgxpool.Pool) *WorkerStore {
	return &WorkerStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresWorkerStore"),
	}
}

// EnsureSchema creates the session-worker table if it does not exist.
func (s *WorkerStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("worker store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    session_id TEXT PRIMARY KEY,
    container_id TEXT NOT NULL DEFAULT '',
    workspace_s3_prefix TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'running',
    app_id TEXT NOT NULL DEFAULT '',
    user_login_name TEXT NOT NULL DEFAULT '',
    runtime_version TEXT NOT NULL DEFAULT '',
    last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    stopped_at TIMESTAMPTZ,
    last_sync_status TEXT NOT NULL DEFAULT 'none',
    last_sync_at TIMESTAMPTZ,
    last_sync_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, sessionWorkersTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_idle ON %s (state, last_active_at);`, sessionWorkersTable, sessionWorkersTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_stopped ON %s (state, stopped_at);`, sessionWorkersTable, sessionWorkersTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_sync ON %s (state, last_sync_at);`, sessionWorkersTable, sessionWorkersTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure worker schema: %w", err)
		}
	}
	return nil
}

const workerColumns = `session_id, container_id, workspace_s3_prefix, state, app_id,
       user_login_name, runtime_version, last_active_at, stopped_at,
       last_sync_status, last_sync_at, last_sync_error, created_at, updated_at`

func scanWorker(row pgx.Row) (*worker.SessionWorker, error) {
	var w worker.SessionWorker
	if err := row.Scan(&w.SessionID, &w.ContainerID, &w.WorkspaceS3Prefix, &w.State,
		&w.AppID, &w.UserLoginName, &w.RuntimeVersion, &w.LastActiveAt, &w.StoppedAt,
		&w.LastSyncStatus, &w.LastSyncAt, &w.LastSyncError, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// Get loads the worker record for a session.
func (s *WorkerStore) Get(ctx context.Context, sessionID string) (*worker.SessionWorker, bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, fmt.Errorf("worker store not initialized")
	}

	w, err := scanWorker(s.pool.QueryRow(ctx, `
SELECT `+workerColumns+` FROM `+sessionWorkersTable+` WHERE session_id = $1
`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get worker: %w", err)
	}
	return w, true, nil
}

// Save upserts the worker record.
func (s *WorkerStore) Save(ctx context.Context, w *worker.SessionWorker) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("worker store not initialized")
	}
	if w == nil || w.SessionID == "" {
		return fmt.Errorf("session_id required")
	}

	state := w.State
	if state == "" {
		state = worker.StateRunning
	}
	syncStatus := w.LastSyncStatus
	if syncStatus == "" {
		syncStatus = worker.SyncNone
	}
	now := time.Now().UTC()
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO `+sessionWorkersTable+` (session_id, container_id, workspace_s3_prefix, state, app_id,
    user_login_name, runtime_version, last_active_at, stopped_at,
    last_sync_status, last_sync_at, last_sync_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (session_id)
DO UPDATE SET container_id = EXCLUDED.container_id,
              workspace_s3_prefix = EXCLUDED.workspace_s3_prefix,
              state = EXCLUDED.state,
              app_id = EXCLUDED.app_id,
              user_login_name = EXCLUDED.user_login_name,
              runtime_version = EXCLUDED.runtime_version,
              last_active_at = EXCLUDED.last_active_at,
              stopped_at = EXCLUDED.stopped_at,
              last_sync_status = EXCLUDED.last_sync_status,
              last_sync_at = EXCLUDED.last_sync_at,
              last_sync_error = EXCLUDED.last_sync_error,
              updated_at = EXCLUDED.updated_at
`, w.SessionID, w.ContainerID, w.WorkspaceS3Prefix, state, w.AppID,
		w.UserLoginName, w.RuntimeVersion, w.LastActiveAt, w.StoppedAt,
		syncStatus, w.LastSyncAt, w.LastSyncError, createdAt, now)
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

// BeginSync flips lastSyncStatus to running unless a sync is already in
// flight for the session.
func (s *WorkerStore) BeginSync(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("worker store not initialized")
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE `+sessionWorkersTable+`
SET last_sync_status = 'running', updated_at = $2
WHERE session_id = $1 AND last_sync_status <> 'running'
`, sessionID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("begin sync: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+sessionWorkersTable+` WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check worker: %w", err)
	}
	if !exists {
		return false, apperrors.NotFoundError(fmt.Sprintf("session worker %s", sessionID))
	}
	return false, nil
}

// FinishSync records the outcome of the in-flight sync.
func (s *WorkerStore) FinishSync(ctx context.Context, sessionID string, at time.Time, syncErr string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("worker store not initialized")
	}

	status := worker.SyncSuccess
	if syncErr != "" {
		status = worker.SyncFailed
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+sessionWorkersTable+`
SET last_sync_status = $2, last_sync_at = $3, last_sync_error = $4, updated_at = $3
WHERE session_id = $1
`, sessionID, status, at.UTC(), syncErr)
	if err != nil {
		return fmt.Errorf("finish sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundError(fmt.Sprintf("session worker %s", sessionID))
	}
	return nil
}

func (s *WorkerStore) listWorkers(ctx context.Context, query string, args ...any) ([]*worker.SessionWorker, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*worker.SessionWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListIdleRunning returns running workers idle since cutoff, oldest first.
func (s *WorkerStore) ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*worker.SessionWorker, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("worker store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.listWorkers(ctx, `
SELECT `+workerColumns+` FROM `+sessionWorkersTable+`
WHERE state = 'running' AND last_active_at <= $1
ORDER BY last_active_at, session_id
LIMIT $2
`, cutoff.UTC(), limit)
}

// ListLongStopped returns stopped workers whose stoppedAt is at or before
// cutoff, oldest first.
func (s *WorkerStore) ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]*worker.SessionWorker, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("worker store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.listWorkers(ctx, `
SELECT `+workerColumns+` FROM `+sessionWorkersTable+`
WHERE state = 'stopped' AND stopped_at IS NOT NULL AND stopped_at <= $1
ORDER BY stopped_at, session_id
LIMIT $2
`, cutoff.UTC(), limit)
}

// ListStaleSyncs returns non-deleted workers never synced or last synced at
// or before cutoff, never-synced first.
func (s *WorkerStore) ListStaleSyncs(ctx context.Context, cutoff time.Time, limit int) ([]*worker.SessionWorker, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("worker store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.listWorkers(ctx, `
SELECT `+workerColumns+` FROM `+sessionWorkersTable+`
WHERE state <> 'deleted' AND (last_sync_at IS NULL OR last_sync_at <= $1)
ORDER BY last_sync_at ASC NULLS FIRST, session_id
LIMIT $2
`, cutoff.UTC(), limit)
}

// CountByState returns worker counts per lifecycle state.
func (s *WorkerStore) CountByState(ctx context.Context) (map[worker.State]int, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("worker store not initialized")
	}

	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM `+sessionWorkersTable+` GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[worker.State]int, 3)
	for rows.Next() {
		var state worker.State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

var _ worker.Store = (*WorkerStore)(nil)
