// Package memory provides in-memory store backends for tests and
// single-node deployments. Every store follows the same shape: an
// RWMutex over maps, deep copies at the boundary, and an injectable
// clock for deterministic tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"runway/internal/domain/run"
	apperrors "runway/internal/errors"
)

// DefaultMaxAttempts caps run attempts when the enqueued item does not
// set its own limit.
const DefaultMaxAttempts = 3

// RunQueue is the in-memory run.Queue backend.
type RunQueue struct {
	mu   sync.RWMutex
	runs map[string]*run.Item
	now  func() time.Time
}

// NewRunQueue creates an empty in-memory run queue.
func NewRunQueue() *RunQueue {
	return &RunQueue{
		runs: make(map[string]*run.Item),
		now:  time.Now,
	}
}

// EnsureSchema is a no-op for the memory backend.
func (q *RunQueue) EnsureSchema(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if q == nil {
		return fmt.Errorf("run queue not initialized")
	}
	return nil
}

// Enqueue inserts the item iff its RunID is new.
func (q *RunQueue) Enqueue(ctx context.Context, item *run.Item) (bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if q == nil {
		return false, fmt.Errorf("run queue not initialized")
	}
	if item == nil {
		return false, fmt.Errorf("queue item required")
	}
	if strings.TrimSpace(item.RunID) == "" {
		return false, fmt.Errorf("run_id required")
	}

	stored := item.Clone()
	now := q.now().UTC()
	if stored.Status == "" {
		stored.Status = run.StatusQueued
	}
	if stored.MaxAttempts <= 0 {
		stored.MaxAttempts = DefaultMaxAttempts
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.runs[stored.RunID]; exists {
		return false, nil
	}
	q.runs[stored.RunID] = stored
	return true, nil
}

// ClaimNext claims the oldest claimable item for owner.
func (q *RunQueue) ClaimNext(ctx context.Context, owner string, now time.Time, lease time.Duration) (*run.Item, bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if q == nil {
		return nil, false, fmt.Errorf("run queue not initialized")
	}
	if strings.TrimSpace(owner) == "" {
		return nil, false, fmt.Errorf("claim owner required")
	}
	if lease <= 0 {
		return nil, false, fmt.Errorf("claim lease must be positive")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var best *run.Item
	for _, item := range q.runs {
		if !item.Claimable(now) {
			continue
		}
		if best == nil || claimBefore(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil, false, nil
	}

	expires := now.Add(lease).UTC()
	best.Status = run.StatusClaimed
	best.LockOwner = owner
	best.LockExpiresAt = &expires
	best.AvailableAt = nil
	best.Attempts++
	best.ErrorMessage = ""
	best.UpdatedAt = now.UTC()
	return best.Clone(), true, nil
}

// RenewLease extends the lease while owner still holds the claim.
func (q *RunQueue) RenewLease(ctx context.Context, runID, owner string, until time.Time) (bool, error) {
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if q == nil {
		return false, fmt.Errorf("run queue not initialized")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.runs[runID]
	if !ok || item.Status != run.StatusClaimed || item.LockOwner != owner {
		return false, nil
	}
	expires := until.UTC()
	item.LockExpiresAt = &expires
	item.UpdatedAt = q.now().UTC()
	return true, nil
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
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if q == nil {
		return fmt.Errorf("run queue not initialized")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.runs[runID]
	if !ok {
		return apperrors.NotFoundError(fmt.Sprintf("run %s", runID))
	}
	if item.Status == target {
		return nil
	}
	if item.Status.IsTerminal() {
		return apperrors.ConflictError(fmt.Sprintf("run %s already %s", runID, item.Status))
	}
	item.Status = target
	item.LockOwner = ""
	item.LockExpiresAt = nil
	item.AvailableAt = nil
	if reason != "" {
		item.ErrorMessage = reason
	}
	item.UpdatedAt = now.UTC()
	return nil
}

// MarkRetryOrFailed requeues the run for a later attempt or fails it
// when attempts are exhausted.
func (q *RunQueue) MarkRetryOrFailed(ctx context.Context, runID string, now time.Time, retryDelay time.Duration, errorMessage string) (*run.RetryOutcome, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if q == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.runs[runID]
	if !ok {
		return nil, apperrors.NotFoundError(fmt.Sprintf("run %s", runID))
	}
	outcome := &run.RetryOutcome{Attempts: item.Attempts, MaxAttempts: item.MaxAttempts}
	if item.Status.IsTerminal() {
		outcome.Status = item.Status
		return outcome, nil
	}

	item.LockOwner = ""
	item.LockExpiresAt = nil
	item.ErrorMessage = errorMessage
	item.UpdatedAt = now.UTC()
	if item.Attempts >= item.MaxAttempts {
		item.Status = run.StatusFailed
		item.AvailableAt = nil
	} else {
		item.Status = run.StatusQueued
		availableAt := now.Add(retryDelay).UTC()
		item.AvailableAt = &availableAt
	}
	outcome.Status = item.Status
	return outcome, nil
}

// FindByRunID loads one item.
func (q *RunQueue) FindByRunID(ctx context.Context, runID string) (*run.Item, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if q == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.runs[runID]
	if !ok {
		return nil, apperrors.NotFoundError(fmt.Sprintf("run %s", runID))
	}
	return item.Clone(), nil
}

// ListExpiredClaims returns claimed items with an expired lease.
func (q *RunQueue) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*run.Item, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if q == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*run.Item, 0, limit)
	for _, item := range q.runs {
		if item.Status != run.StatusClaimed {
			continue
		}
		if item.LockExpiresAt == nil || item.LockExpiresAt.After(now) {
			continue
		}
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return claimBefore(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus returns queue depth per status.
func (q *RunQueue) CountByStatus(ctx context.Context) (map[run.Status]int, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if q == nil {
		return nil, fmt.Errorf("run queue not initialized")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	counts := make(map[run.Status]int, 5)
	for _, item := range q.runs {
		counts[item.Status]++
	}
	return counts, nil
}

// claimBefore orders claim candidates: oldest CreatedAt first, RunID
// lexicographic on ties.
func claimBefore(a, b *run.Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.RunID < b.RunID
}

var _ run.Queue = (*RunQueue)(nil)
