package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"runway/internal/domain/callback"
	apperrors "runway/internal/errors"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
)

const (
	callbackEventsTable = "runway_callback_events"
	runBindingsTable    = "runway_run_bindings"
	todoItemsTable      = "runway_todo_items"
	todoEventsTable     = "runway_todo_events"
	humanLoopsTable     = "runway_human_loops"
	runUsageTable       = "runway_run_usage"
)

// CallbackStore is the Postgres callback.Store backend.
type CallbackStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewCallbackStore constructs a Postgres-backed callback store.
func NewCallbackStore(pool *pgxpool.Pool) *CallbackStore {
	return &CallbackStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresCallbackStore"),
	}
}

// EnsureSchema creates the callback tables if they do not exist.
func (s *CallbackStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("callback store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, event_id)
);`, callbackEventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    bound_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, runBindingsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, item_id)
);`, todoItemsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    event_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL,
    items JSONB,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, todoEventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_run ON %s (run_id, id);`, todoEventsTable, todoEventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    question_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    status TEXT NOT NULL DEFAULT 'pending',
    requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at TIMESTAMPTZ,
    answer TEXT NOT NULL DEFAULT ''
);`, humanLoopsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s (status, requested_at, question_id);`, humanLoopsTable, humanLoopsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    run_id TEXT PRIMARY KEY,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    estimated BOOLEAN NOT NULL DEFAULT FALSE
);`, runUsageTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure callback schema: %w", err)
		}
	}
	return nil
}

// MarkProcessed records the (runID, eventID) pair; exactly one caller
// observes first=true.
func (s *CallbackStore) MarkProcessed(ctx context.Context, runID, eventID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("callback store not initialized")
	}
	if runID == "" || eventID == "" {
		return false, fmt.Errorf("run_id and event_id required")
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+callbackEventsTable+` (run_id, event_id) VALUES ($1, $2)
ON CONFLICT (run_id, event_id) DO NOTHING
`, runID, eventID)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UnmarkProcessed releases a claimed (runID, eventID) pair. Unknown
// pairs are a no-op.
func (s *CallbackStore) UnmarkProcessed(ctx context.Context, runID, eventID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("callback store not initialized")
	}
	if runID == "" || eventID == "" {
		return fmt.Errorf("run_id and event_id required")
	}

	if _, err := s.pool.Exec(ctx, `
DELETE FROM `+callbackEventsTable+` WHERE run_id = $1 AND event_id = $2
`, runID, eventID); err != nil {
		return fmt.Errorf("unmark processed: %w", err)
	}
	return nil
}

// BindRun records the run's session; last write wins.
func (s *CallbackStore) BindRun(ctx context.Context, runID, sessionID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("callback store not initialized")
	}
	if runID == "" || sessionID == "" {
		return fmt.Errorf("run_id and session_id required")
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO `+runBindingsTable+` (run_id, session_id, bound_at) VALUES ($1, $2, now())
ON CONFLICT (run_id) DO UPDATE SET session_id = EXCLUDED.session_id, bound_at = EXCLUDED.bound_at
`, runID, sessionID)
	if err != nil {
		return fmt.Errorf("bind run: %w", err)
	}
	return nil
}

// SessionForRun returns the bound session for a run.
func (s *CallbackStore) SessionForRun(ctx context.Context, runID string) (string, bool, error) {
	if s == nil || s.pool == nil {
		return "", false, fmt.Errorf("callback store not initialized")
	}

	var sessionID string
	err := s.pool.QueryRow(ctx, `SELECT session_id FROM `+runBindingsTable+` WHERE run_id = $1`, runID).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("session for run: %w", err)
	}
	return sessionID, true, nil
}

// UpsertTodos replaces board items by id and appends the delivery to the
// todo-event log.
func (s *CallbackStore) UpsertTodos(ctx context.Context, runID, eventID string, items []callback.TodoItem, receivedAt time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("callback store not initialized")
	}
	if runID == "" {
		return fmt.Errorf("run_id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin todo tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored := make([]callback.TodoItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = receivedAt.UTC()
		}
		_, err := tx.Exec(ctx, `
INSERT INTO `+todoItemsTable+` (run_id, item_id, content, status, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id, item_id)
DO UPDATE SET content = EXCLUDED.content, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
`, runID, item.ID, item.Content, item.Status, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert todo item: %w", err)
		}
		stored = append(stored, item)
	}

	itemsJSON, err := jsonx.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode todo items: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO `+todoEventsTable+` (event_id, run_id, items, received_at) VALUES ($1, $2, $3::jsonb, $4)
`, eventID, runID, itemsJSON, receivedAt.UTC())
	if err != nil {
		return fmt.Errorf("append todo event: %w", err)
	}
	return tx.Commit(ctx)
}

// ListTodos returns the current board, stable by item id.
func (s *CallbackStore) ListTodos(ctx context.Context, runID string) ([]callback.TodoItem, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}

	rows, err := s.pool.Query(ctx, `
SELECT item_id, content, status, updated_at FROM `+todoItemsTable+`
WHERE run_id = $1 ORDER BY item_id
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	out := make([]callback.TodoItem, 0, 8)
	for rows.Next() {
		var item callback.TodoItem
		if err := rows.Scan(&item.ID, &item.Content, &item.Status, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan todo item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListTodoEvents returns todo deliveries in arrival order.
func (s *CallbackStore) ListTodoEvents(ctx context.Context, runID string) ([]callback.TodoEvent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}

	rows, err := s.pool.Query(ctx, `
SELECT event_id, run_id, items, received_at FROM `+todoEventsTable+`
WHERE run_id = $1 ORDER BY id
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list todo events: %w", err)
	}
	defer rows.Close()

	out := make([]callback.TodoEvent, 0, 8)
	for rows.Next() {
		var ev callback.TodoEvent
		var itemsJSON []byte
		if err := rows.Scan(&ev.EventID, &ev.RunID, &itemsJSON, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan todo event: %w", err)
		}
		if len(itemsJSON) > 0 {
			if err := jsonx.Unmarshal(itemsJSON, &ev.Items); err != nil {
				return nil, fmt.Errorf("decode todo items: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertHumanLoop stores a pending request iff the questionID is new.
func (s *CallbackStore) InsertHumanLoop(ctx context.Context, req *callback.HumanLoopRequest) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("callback store not initialized")
	}
	if req == nil || req.QuestionID == "" || req.RunID == "" {
		return false, fmt.Errorf("question_id and run_id required")
	}

	status := req.Status
	if status == "" {
		status = callback.HumanLoopPending
	}
	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	var metadata any
	if len(req.Metadata) > 0 {
		encoded, err := jsonx.Marshal(req.Metadata)
		if err != nil {
			return false, fmt.Errorf("encode human-loop metadata: %w", err)
		}
		metadata = encoded
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+humanLoopsTable+` (question_id, run_id, session_id, prompt, metadata, status, requested_at, resolved_at, answer)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
ON CONFLICT (question_id) DO NOTHING
`, req.QuestionID, req.RunID, req.SessionID, req.Prompt, metadata, status, requestedAt, req.ResolvedAt, req.Answer)
	if err != nil {
		return false, fmt.Errorf("insert human loop: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetHumanLoop loads one request.
func (s *CallbackStore) GetHumanLoop(ctx context.Context, questionID string) (*callback.HumanLoopRequest, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}

	req, err := s.scanHumanLoop(s.pool.QueryRow(ctx, `
SELECT question_id, run_id, session_id, prompt, metadata, status, requested_at, resolved_at, answer
FROM `+humanLoopsTable+` WHERE question_id = $1
`, questionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError(fmt.Sprintf("human-loop question %s", questionID))
		}
		return nil, fmt.Errorf("get human loop: %w", err)
	}
	return req, nil
}

func (s *CallbackStore) scanHumanLoop(row pgx.Row) (*callback.HumanLoopRequest, error) {
	var req callback.HumanLoopRequest
	var metadata []byte
	if err := row.Scan(&req.QuestionID, &req.RunID, &req.SessionID, &req.Prompt,
		&metadata, &req.Status, &req.RequestedAt, &req.ResolvedAt, &req.Answer); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := jsonx.Unmarshal(metadata, &req.Metadata); err != nil {
			return nil, fmt.Errorf("decode human-loop metadata: %w", err)
		}
	}
	return &req, nil
}

// ResolveHumanLoop marks a pending request resolved.
func (s *CallbackStore) ResolveHumanLoop(ctx context.Context, questionID, answer string, resolvedAt time.Time) (bool, error) {
	return s.finishHumanLoop(ctx, questionID, callback.HumanLoopResolved, answer, resolvedAt)
}

// ExpireHumanLoop marks a pending request expired.
func (s *CallbackStore) ExpireHumanLoop(ctx context.Context, questionID string, expiredAt time.Time) (bool, error) {
	return s.finishHumanLoop(ctx, questionID, callback.HumanLoopExpired, "", expiredAt)
}

func (s *CallbackStore) finishHumanLoop(ctx context.Context, questionID string, target callback.HumanLoopStatus, answer string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("callback store not initialized")
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE `+humanLoopsTable+`
SET status = $2, answer = $3, resolved_at = $4
WHERE question_id = $1 AND status = 'pending'
`, questionID, target, answer, at.UTC())
	if err != nil {
		return false, fmt.Errorf("finish human loop: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+humanLoopsTable+` WHERE question_id = $1)`, questionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check human loop: %w", err)
	}
	if !exists {
		return false, apperrors.NotFoundError(fmt.Sprintf("human-loop question %s", questionID))
	}
	return false, nil
}

// ListPendingHumanLoops returns pending requests, oldest first.
func (s *CallbackStore) ListPendingHumanLoops(ctx context.Context, runID string, limit int) ([]*callback.HumanLoopRequest, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
SELECT question_id, run_id, session_id, prompt, metadata, status, requested_at, resolved_at, answer
FROM `+humanLoopsTable+`
WHERE status = 'pending' AND ($1 = '' OR run_id = $1)
ORDER BY requested_at, question_id
LIMIT $2
`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending human loops: %w", err)
	}
	defer rows.Close()

	var out []*callback.HumanLoopRequest
	for rows.Next() {
		req, err := s.scanHumanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan human loop: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// RecordUsageOnce stores usage iff none exists; the first write wins.
func (s *CallbackStore) RecordUsageOnce(ctx context.Context, runID string, usage callback.Usage) (callback.Usage, bool, error) {
	if s == nil || s.pool == nil {
		return callback.Usage{}, false, fmt.Errorf("callback store not initialized")
	}
	if runID == "" {
		return callback.Usage{}, false, fmt.Errorf("run_id required")
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+runUsageTable+` (run_id, input_tokens, output_tokens, total_tokens, estimated)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id) DO NOTHING
`, runID, usage.InputTokens, usage.OutputTokens, usage.TotalTokens, usage.Estimated)
	if err != nil {
		return callback.Usage{}, false, fmt.Errorf("record usage: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return usage, true, nil
	}

	existing, ok, err := s.GetUsage(ctx, runID)
	if err != nil {
		return callback.Usage{}, false, err
	}
	if !ok {
		return callback.Usage{}, false, fmt.Errorf("usage row vanished for run %s", runID)
	}
	return existing, false, nil
}

// GetUsage returns the recorded usage for a run.
func (s *CallbackStore) GetUsage(ctx context.Context, runID string) (callback.Usage, bool, error) {
	if s == nil || s.pool == nil {
		return callback.Usage{}, false, fmt.Errorf("callback store not initialized")
	}

	var usage callback.Usage
	err := s.pool.QueryRow(ctx, `
SELECT input_tokens, output_tokens, total_tokens, estimated FROM `+runUsageTable+` WHERE run_id = $1
`, runID).Scan(&usage.InputTokens, &usage.OutputTokens, &usage.TotalTokens, &usage.Estimated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return callback.Usage{}, false, nil
		}
		return callback.Usage{}, false, fmt.Errorf("get usage: %w", err)
	}
	return usage, true, nil
}

var _ callback.Store = (*CallbackStore)(nil)
