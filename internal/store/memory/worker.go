package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"runway/internal/domain/worker"
	apperrors "runway/internal/errors"
)

// WorkerStore is the in-memory worker.Store backend.
type WorkerStore struct {
	mu      sync.RWMutex
	workers map[string]*worker.SessionWorker
	now     func() time.Time
}

// NewWorkerStore creates an empty in-memory session-worker store.
func NewWorkerStore() *WorkerStore {
	return &WorkerStore{
		workers: make(map[string]*worker.SessionWorker),
		now:     time.Now,
	}
}

// EnsureSchema is a no-op for the memory backend.
func (s *WorkerStore) EnsureSchema(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("worker store not initialized")
	}
	return nil
}

// Get loads the worker record for a session.
func (s *WorkerStore) Get(ctx context.Context, sessionID string) (*worker.SessionWorker, bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if s == nil {
		return nil, false, fmt.Errorf("worker store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[sessionID]
	if !ok {
		return nil, false, nil
	}
	return w.Clone(), true, nil
}

// Save upserts the worker record.
func (s *WorkerStore) Save(ctx context.Context, w *worker.SessionWorker) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("worker store not initialized")
	}
	if w == nil {
		return fmt.Errorf("worker record required")
	}
	if strings.TrimSpace(w.SessionID) == "" {
		return fmt.Errorf("session_id required")
	}

	stored := w.Clone()
	now := s.now().UTC()
	if stored.State == "" {
		stored.State = worker.StateRunning
	}
	if stored.LastSyncStatus == "" {
		stored.LastSyncStatus = worker.SyncNone
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.workers[stored.SessionID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.workers[stored.SessionID] = stored
	return nil
}

// BeginSync flips lastSyncStatus to running unless a sync is already in
// flight for the session.
func (s *WorkerStore) BeginSync(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if s == nil {
		return false, fmt.Errorf("worker store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[sessionID]
	if !ok {
		return false, apperrors.NotFoundError(fmt.Sprintf("session worker %s", sessionID))
	}
	if w.LastSyncStatus == worker.SyncRunning {
		return false, nil
	}
	w.LastSyncStatus = worker.SyncRunning
	w.UpdatedAt = at.UTC()
	return true, nil
}

// FinishSync records the outcome of the in-flight sync.
func (s *WorkerStore) FinishSync(ctx context.Context, sessionID string, at time.Time, syncErr string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("worker store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[sessionID]
	if !ok {
		return apperrors.NotFoundError(fmt.Sprintf("session worker %s", sessionID))
	}
	at = at.UTC()
	if syncErr == "" {
		w.LastSyncStatus = worker.SyncSuccess
	} else {
		w.LastSyncStatus = worker.SyncFailed
	}
	w.LastSyncAt = &at
	w.LastSyncError = syncErr
	w.UpdatedAt = at
	return nil
}

// ListIdleRunning returns running workers idle since cutoff, oldest first.
func (s *WorkerStore) ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*worker.SessionWorker, error) {
	return s.list(ctx, limit, func(w *worker.SessionWorker) bool {
		return w.State == worker.StateRunning && !w.LastActiveAt.After(cutoff)
	}, func(a, b *worker.SessionWorker) bool {
		if !a.LastActiveAt.Equal(b.LastActiveAt) {
			return a.LastActiveAt.Before(b.LastActiveAt)
		}
		return a.SessionID < b.SessionID
	})
}

// ListLongStopped returns stopped workers whose stoppedAt is at or before
// cutoff, oldest first.
func (s *WorkerStore) ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]*worker.SessionWorker, error) {
	return s.list(ctx, limit, func(w *worker.SessionWorker) bool {
		return w.State == worker.StateStopped && w.StoppedAt != nil && !w.StoppedAt.After(cutoff)
	}, func(a, b *worker.SessionWorker) bool {
		if !a.StoppedAt.Equal(*b.StoppedAt) {
			return a.StoppedAt.Before(*b.StoppedAt)
		}
		return a.SessionID < b.SessionID
	})
}

// ListStaleSyncs returns non-deleted workers never synced or last synced at
// or before cutoff, oldest first.
func (s *WorkerStore) ListStaleSyncs(ctx context.Context, cutoff time.Time, limit int) ([]*worker.SessionWorker, error) {
	return s.list(ctx, limit, func(w *worker.SessionWorker) bool {
		if w.State == worker.StateDeleted {
			return false
		}
		return w.LastSyncAt == nil || !w.LastSyncAt.After(cutoff)
	}, func(a, b *worker.SessionWorker) bool {
		at, bt := syncInstant(a), syncInstant(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.SessionID < b.SessionID
	})
}

func syncInstant(w *worker.SessionWorker) time.Time {
	if w.LastSyncAt == nil {
		return time.Time{}
	}
	return *w.LastSyncAt
}

func (s *WorkerStore) list(ctx context.Context, limit int, keep func(*worker.SessionWorker) bool, before func(a, b *worker.SessionWorker) bool) ([]*worker.SessionWorker, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("worker store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*worker.SessionWorker, 0, limit)
	for _, w := range s.workers {
		if keep(w) {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByState returns worker counts per lifecycle state.
func (s *WorkerStore) CountByState(ctx context.Context) (map[worker.State]int, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("worker store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[worker.State]int, 3)
	for _, w := range s.workers {
		counts[w.State]++
	}
	return counts, nil
}

var _ worker.Store = (*WorkerStore)(nil)
