package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"runway/internal/domain/callback"
	apperrors "runway/internal/errors"
)

// CallbackStore is the in-memory callback.Store backend.
type CallbackStore struct {
	mu         sync.RWMutex
	processed  map[string]map[string]struct{}
	bindings   map[string]string
	boards     map[string]map[string]callback.TodoItem
	todoEvents map[string][]callback.TodoEvent
	humanLoops map[string]*callback.HumanLoopRequest
	usage      map[string]callback.Usage
	now        func() time.Time
}

// NewCallbackStore creates an empty in-memory callback store.
func NewCallbackStore() *CallbackStore {
	return &CallbackStore{
		processed:  make(map[string]map[string]struct{}),
		bindings:   make(map[string]string),
		boards:     make(map[string]map[string]callback.TodoItem),
		todoEvents: make(map[string][]callback.TodoEvent),
		humanLoops: make(map[string]*callback.HumanLoopRequest),
		usage:      make(map[string]callback.Usage),
		now:        time.Now,
	}
}

// EnsureSchema is a no-op for the memory backend.
func (s *CallbackStore) EnsureSchema(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("callback store not initialized")
	}
	return nil
}

// MarkProcessed records the (runID, eventID) pair; exactly one caller
// observes first=true.
func (s *CallbackStore) MarkProcessed(ctx context.Context, runID, eventID string) (bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if s == nil {
		return false, fmt.Errorf("callback store not initialized")
	}
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(eventID) == "" {
		return false, fmt.Errorf("run_id and event_id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.processed[runID]
	if !ok {
		seen = make(map[string]struct{})
		s.processed[runID] = seen
	}
	if _, dup := seen[eventID]; dup {
		return false, nil
	}
	seen[eventID] = struct{}{}
	return true, nil
}

// UnmarkProcessed releases a claimed (runID, eventID) pair. Unknown
// pairs are a no-op.
func (s *CallbackStore) UnmarkProcessed(ctx context.Context, runID, eventID string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("callback store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seen, ok := s.processed[runID]; ok {
		delete(seen, eventID)
	}
	return nil
}

// BindRun records the run's session; last write wins.
func (s *CallbackStore) BindRun(ctx context.Context, runID, sessionID string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("callback store not initialized")
	}
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("run_id and session_id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[runID] = sessionID
	return nil
}

// SessionForRun returns the bound session for a run.
func (s *CallbackStore) SessionForRun(ctx context.Context, runID string) (string, bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	if s == nil {
		return "", false, fmt.Errorf("callback store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, ok := s.bindings[runID]
	return sessionID, ok, nil
}

// UpsertTodos replaces board items by id and appends the delivery to the
// todo-event log.
func (s *CallbackStore) UpsertTodos(ctx context.Context, runID, eventID string, items []callback.TodoItem, receivedAt time.Time) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("callback store not initialized")
	}
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run_id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	board, ok := s.boards[runID]
	if !ok {
		board = make(map[string]callback.TodoItem)
		s.boards[runID] = board
	}
	stored := make([]callback.TodoItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			continue
		}
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = receivedAt.UTC()
		}
		board[item.ID] = item
		stored = append(stored, item)
	}
	s.todoEvents[runID] = append(s.todoEvents[runID], callback.TodoEvent{
		EventID:    eventID,
		RunID:      runID,
		Items:      stored,
		ReceivedAt: receivedAt.UTC(),
	})
	return nil
}

// ListTodos returns the current board, stable by item id.
func (s *CallbackStore) ListTodos(ctx context.Context, runID string) ([]callback.TodoItem, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	board := s.boards[runID]
	out := make([]callback.TodoItem, 0, len(board))
	for _, item := range board {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTodoEvents returns todo deliveries in arrival order.
func (s *CallbackStore) ListTodoEvents(ctx context.Context, runID string) ([]callback.TodoEvent, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.todoEvents[runID]
	out := make([]callback.TodoEvent, len(events))
	for i, ev := range events {
		out[i] = ev
		out[i].Items = append([]callback.TodoItem(nil), ev.Items...)
	}
	return out, nil
}

// InsertHumanLoop stores a pending request iff the questionID is new.
func (s *CallbackStore) InsertHumanLoop(ctx context.Context, req *callback.HumanLoopRequest) (bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if s == nil {
		return false, fmt.Errorf("callback store not initialized")
	}
	if req == nil || strings.TrimSpace(req.QuestionID) == "" || strings.TrimSpace(req.RunID) == "" {
		return false, fmt.Errorf("question_id and run_id required")
	}

	stored := req.Clone()
	if stored.Status == "" {
		stored.Status = callback.HumanLoopPending
	}
	if stored.RequestedAt.IsZero() {
		stored.RequestedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.humanLoops[stored.QuestionID]; exists {
		return false, nil
	}
	s.humanLoops[stored.QuestionID] = stored
	return true, nil
}

// GetHumanLoop loads one request.
func (s *CallbackStore) GetHumanLoop(ctx context.Context, questionID string) (*callback.HumanLoopRequest, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.humanLoops[questionID]
	if !ok {
		return nil, apperrors.NotFoundError(fmt.Sprintf("human-loop question %s", questionID))
	}
	return req.Clone(), nil
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
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if s == nil {
		return false, fmt.Errorf("callback store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.humanLoops[questionID]
	if !ok {
		return false, apperrors.NotFoundError(fmt.Sprintf("human-loop question %s", questionID))
	}
	if req.Status != callback.HumanLoopPending {
		return false, nil
	}
	req.Status = target
	req.Answer = answer
	at = at.UTC()
	req.ResolvedAt = &at
	return true, nil
}

// ListPendingHumanLoops returns pending requests, oldest first.
func (s *CallbackStore) ListPendingHumanLoops(ctx context.Context, runID string, limit int) ([]*callback.HumanLoopRequest, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("callback store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*callback.HumanLoopRequest, 0, limit)
	for _, req := range s.humanLoops {
		if req.Status != callback.HumanLoopPending {
			continue
		}
		if runID != "" && req.RunID != runID {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordUsageOnce stores usage iff none exists; the first write wins.
func (s *CallbackStore) RecordUsageOnce(ctx context.Context, runID string, usage callback.Usage) (callback.Usage, bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return callback.Usage{}, false, ctx.Err()
	}
	if s == nil {
		return callback.Usage{}, false, fmt.Errorf("callback store not initialized")
	}
	if strings.TrimSpace(runID) == "" {
		return callback.Usage{}, false, fmt.Errorf("run_id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.usage[runID]; ok {
		return existing, false, nil
	}
	s.usage[runID] = usage
	return usage, true, nil
}

// GetUsage returns the recorded usage for a run.
func (s *CallbackStore) GetUsage(ctx context.Context, runID string) (callback.Usage, bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return callback.Usage{}, false, ctx.Err()
	}
	if s == nil {
		return callback.Usage{}, false, fmt.Errorf("callback store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	usage, ok := s.usage[runID]
	return usage, ok, nil
}

var _ callback.Store = (*CallbackStore)(nil)
