// Package provider defines the adapter port the orchestrator drives: a
// provider turns a run request into an ordered chunk stream and optionally
// supports stop and human-loop replies mid-stream.
package provider

import (
	"context"

	"runway/internal/domain/callback"
)

// ChunkKind discriminates the chunk union emitted by adapters.
type ChunkKind string

const (
	ChunkMessageDelta ChunkKind = "message.delta"
	ChunkTodoUpdate   ChunkKind = "todo.update"
	ChunkWarning      ChunkKind = "run.warning"
	ChunkFinished     ChunkKind = "run.finished"
)

// FinishStatus is the terminal verdict carried by a run.finished chunk.
type FinishStatus string

const (
	FinishSucceeded FinishStatus = "succeeded"
	FinishFailed    FinishStatus = "failed"
	FinishCanceled  FinishStatus = "canceled"
)

// FinishResult closes a chunk stream. Usage is nil when the provider did
// not report token accounting.
type FinishResult struct {
	Status FinishStatus    `json:"status"`
	Usage  *callback.Usage `json:"usage,omitempty"`
}

// Chunk is one unit of provider output. Exactly the field matching Kind is
// populated.
type Chunk struct {
	Kind     ChunkKind           `json:"kind"`
	Text     string              `json:"text,omitempty"`     // message.delta
	Todos    []callback.TodoItem `json:"todos,omitempty"`    // todo.update
	Warning  string              `json:"warning,omitempty"`  // run.warning
	Finished *FinishResult       `json:"finished,omitempty"` // run.finished
}

// Message is one turn of the conversation handed to the adapter.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunInput is everything an adapter needs to execute a run.
type RunInput struct {
	RunID            string         `json:"run_id"`
	SessionID        string         `json:"session_id,omitempty"`
	Model            string         `json:"model,omitempty"`
	Messages         []Message      `json:"messages,omitempty"`
	RequireHumanLoop bool           `json:"require_human_loop,omitempty"`
	ExecutionProfile string         `json:"execution_profile,omitempty"`
	Options          map[string]any `json:"options,omitempty"`
}

// Capabilities advertises what an adapter can do. The orchestrator refuses
// runs whose requirements the adapter cannot meet.
type Capabilities struct {
	Streaming bool `json:"streaming"`
	HumanLoop bool `json:"human_loop"`
	Stop      bool `json:"stop"`
}

// Handle is a live run on an adapter.
type Handle interface {
	// Events yields chunks in order. The channel closes after the terminal
	// chunk, after Stop, or when the run context ends.
	Events() <-chan Chunk

	// Stop halts production. Idempotent.
	Stop(ctx context.Context) error

	// ReplyHumanLoop delivers an answer for a pending question. The adapter
	// decides acceptance; a rejected reply carries a reason.
	ReplyHumanLoop(ctx context.Context, questionID, answer string) (accepted bool, reason string, err error)
}

// Adapter executes runs for one provider kind.
type Adapter interface {
	Kind() string
	Capabilities() Capabilities
	Run(ctx context.Context, input RunInput) (Handle, error)
}
