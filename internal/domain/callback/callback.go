// Package callback defines the provider-callback domain: idempotency
// tracking, run/session bindings, the human-loop request state machine,
// per-run todo boards, and finalize-once usage accounting.
package callback

import (
	"context"
	"encoding/json"
	"time"
)

// Kind discriminates the callback union posted by providers.
type Kind string

const (
	KindMessageStop       Kind = "message.stop"
	KindTodoUpdate        Kind = "todo.update"
	KindHumanLoopRequest  Kind = "human_loop.requested"
	KindHumanLoopResolved Kind = "human_loop.resolved"
	KindRunFinished       Kind = "run.finished"
)

// Envelope is the wire shape of one callback delivery.
type Envelope struct {
	EventID string          `json:"eventId"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Usage is the token accounting for a finished run.
// Estimated marks usage derived locally instead of reported by the provider.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// TodoItem is one entry on a run's todo board.
type TodoItem struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TodoEvent preserves one todo.update delivery in arrival order.
type TodoEvent struct {
	EventID    string     `json:"event_id"`
	RunID      string     `json:"run_id"`
	Items      []TodoItem `json:"items"`
	ReceivedAt time.Time  `json:"received_at"`
}

// HumanLoopStatus is the question lifecycle state.
type HumanLoopStatus string

const (
	HumanLoopPending  HumanLoopStatus = "pending"
	HumanLoopResolved HumanLoopStatus = "resolved"
	HumanLoopExpired  HumanLoopStatus = "expired"
)

// IsTerminal reports whether the question can no longer change.
func (s HumanLoopStatus) IsTerminal() bool {
	return s == HumanLoopResolved || s == HumanLoopExpired
}

// HumanLoopRequest is a pending question raised by a provider mid-run.
type HumanLoopRequest struct {
	QuestionID  string            `json:"question_id"`
	RunID       string            `json:"run_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Prompt      string            `json:"prompt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      HumanLoopStatus   `json:"status"`
	RequestedAt time.Time         `json:"requested_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	Answer      string            `json:"answer,omitempty"`
}

// Clone returns a deep copy safe to hand across store boundaries.
func (r *HumanLoopRequest) Clone() *HumanLoopRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Store is the callback-state persistence port.
type Store interface {
	// EnsureSchema creates or migrates backend storage.
	EnsureSchema(ctx context.Context) error

	// MarkProcessed records (runID, eventID) and reports whether this call
	// was the first sighting. The check-and-set is atomic: exactly one
	// concurrent caller observes first=true.
	MarkProcessed(ctx context.Context, runID, eventID string) (first bool, err error)

	// UnmarkProcessed releases a claimed (runID, eventID) pair after an
	// apply that mutated nothing, so the same delivery can be retried.
	// Unknown pairs are a no-op.
	UnmarkProcessed(ctx context.Context, runID, eventID string) error

	// BindRun records the run's session. Repeat calls overwrite (last wins).
	BindRun(ctx context.Context, runID, sessionID string) error

	// SessionForRun returns the bound session, ok=false when unbound.
	SessionForRun(ctx context.Context, runID string) (sessionID string, ok bool, err error)

	// UpsertTodos replaces items by id on the run's board and appends the
	// delivery to the todo-event log.
	UpsertTodos(ctx context.Context, runID, eventID string, items []TodoItem, receivedAt time.Time) error

	// ListTodos returns the current board, stable by item id.
	ListTodos(ctx context.Context, runID string) ([]TodoItem, error)

	// ListTodoEvents returns deliveries in arrival order.
	ListTodoEvents(ctx context.Context, runID string) ([]TodoEvent, error)

	// InsertHumanLoop stores a pending request iff the questionID is new.
	InsertHumanLoop(ctx context.Context, req *HumanLoopRequest) (inserted bool, err error)

	// GetHumanLoop returns the request or a not-found error.
	GetHumanLoop(ctx context.Context, questionID string) (*HumanLoopRequest, error)

	// ResolveHumanLoop marks a pending request resolved with the answer.
	// Returns changed=false when the request already left pending.
	ResolveHumanLoop(ctx context.Context, questionID, answer string, resolvedAt time.Time) (changed bool, err error)

	// ExpireHumanLoop marks a pending request expired.
	// Returns changed=false when the request already left pending.
	ExpireHumanLoop(ctx context.Context, questionID string, expiredAt time.Time) (changed bool, err error)

	// ListPendingHumanLoops returns pending requests, oldest first, capped
	// by limit. runID filters when non-empty.
	ListPendingHumanLoops(ctx context.Context, runID string, limit int) ([]*HumanLoopRequest, error)

	// RecordUsageOnce stores usage for the run iff none is stored yet and
	// returns the authoritative value. first=false means an earlier write
	// won and the returned usage is that earlier value.
	RecordUsageOnce(ctx context.Context, runID string, usage Usage) (stored Usage, first bool, err error)

	// GetUsage returns the recorded usage, ok=false when none.
	GetUsage(ctx context.Context, runID string) (Usage, bool, error)
}
