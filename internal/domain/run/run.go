// Package run defines the durable run-queue domain model and port.
//
// A queue item is the single source of truth for one agent run: who owns
// it, how many attempts it has consumed, and when it becomes claimable
// again after a retry. Backends live in internal/store.
package run

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a queued run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Item is one row of the run queue, unique by RunID.
type Item struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id,omitempty"`
	Provider  string `json:"provider"`

	Status Status `json:"status"`

	// Lease bookkeeping. A claimed item always has a non-empty LockOwner
	// and a non-nil LockExpiresAt.
	LockOwner     string     `json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	// AvailableAt is the earliest instant a queued item may be claimed.
	// Nil means immediately. Set by MarkRetryOrFailed to push retries out.
	AvailableAt *time.Time `json:"available_at,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// Payload carries the caller's start request verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so store callers cannot alias internal state.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	out := *i
	if i.LockExpiresAt != nil {
		t := *i.LockExpiresAt
		out.LockExpiresAt = &t
	}
	if i.AvailableAt != nil {
		t := *i.AvailableAt
		out.AvailableAt = &t
	}
	if i.Payload != nil {
		out.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	return &out
}

// Claimable reports whether the item is a claim candidate at now:
// queued and past its AvailableAt, or claimed with an expired lease.
func (i *Item) Claimable(now time.Time) bool {
	switch i.Status {
	case StatusQueued:
		return i.AvailableAt == nil || !i.AvailableAt.After(now)
	case StatusClaimed:
		return i.LockExpiresAt != nil && !i.LockExpiresAt.After(now)
	default:
		return false
	}
}

// RetryOutcome reports what MarkRetryOrFailed decided for an item.
type RetryOutcome struct {
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
}

// Queue is the durable run-queue port.
//
// Ordering contract: ClaimNext picks the oldest candidate by CreatedAt,
// ties broken by RunID lexicographic. Terminal items never transition.
type Queue interface {
	// EnsureSchema creates or migrates backend storage.
	EnsureSchema(ctx context.Context) error

	// Enqueue inserts the item iff its RunID is new. A duplicate RunID is
	// not an error: it returns accepted=false and leaves the row untouched.
	Enqueue(ctx context.Context, item *Item) (accepted bool, err error)

	// ClaimNext atomically claims the oldest claimable item for owner:
	// status=claimed, lock fields set, attempts+1, errorMessage cleared.
	// Returns (nil, false, nil) when nothing is claimable.
	ClaimNext(ctx context.Context, owner string, now time.Time, lease time.Duration) (*Item, bool, error)

	// RenewLease extends the lease for an item still claimed by owner.
	// Returns false when the item is no longer held by owner.
	RenewLease(ctx context.Context, runID, owner string, until time.Time) (bool, error)

	// MarkSucceeded transitions the item to succeeded and releases the lock.
	MarkSucceeded(ctx context.Context, runID string, now time.Time) error

	// MarkCanceled transitions the item to canceled and releases the lock.
	MarkCanceled(ctx context.Context, runID string, now time.Time, reason string) error

	// MarkFailed transitions the item to failed regardless of remaining
	// attempts (capability mismatch, human-loop timeout).
	MarkFailed(ctx context.Context, runID string, now time.Time, reason string) error

	// MarkRetryOrFailed requeues the item with availableAt=now+retryDelay,
	// or fails it when attempts >= maxAttempts. The error message is
	// recorded either way.
	MarkRetryOrFailed(ctx context.Context, runID string, now time.Time, retryDelay time.Duration, errorMessage string) (*RetryOutcome, error)

	// FindByRunID returns the item or a not-found error.
	FindByRunID(ctx context.Context, runID string) (*Item, error)

	// ListExpiredClaims returns claimed items whose lease expired at or
	// before now, oldest first, capped by limit.
	ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*Item, error)

	// CountByStatus returns queue depth per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
