package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"runway/internal/async"
	"runway/internal/shared/logging"
)

// Question pauses a script until a human-loop reply arrives.
type Question struct {
	QuestionID string `json:"question_id"`
	Prompt     string `json:"prompt"`
}

// Step is one scripted action: emit Chunk, or wait on Question.
type Step struct {
	Delay    time.Duration `json:"delay,omitempty"`
	Chunk    *Chunk        `json:"chunk,omitempty"`
	Question *Question     `json:"question,omitempty"`
}

// Script is the deterministic chunk sequence a Scripted adapter replays.
// A script that does not end in a run.finished chunk gets a succeeded one
// appended so every run terminates.
type Script struct {
	Steps []Step `json:"steps"`
}

// DefaultScript yields a short deterministic run for dev and tests.
func DefaultScript() Script {
	return Script{Steps: []Step{
		{Chunk: &Chunk{Kind: ChunkMessageDelta, Text: "working on it"}},
		{Chunk: &Chunk{Kind: ChunkMessageDelta, Text: " ... done"}},
		{Chunk: &Chunk{Kind: ChunkFinished, Finished: &FinishResult{Status: FinishSucceeded}}},
	}}
}

// Scripted replays a fixed script. It is the dev default and the test
// fixture for the orchestrator; real providers register their own adapters.
type Scripted struct {
	kind   string
	caps   Capabilities
	script Script
	logger logging.Logger
}

// NewScripted builds a scripted adapter advertising full capabilities.
func NewScripted(kind string, script Script) *Scripted {
	return &Scripted{
		kind:   kind,
		caps:   Capabilities{Streaming: true, HumanLoop: true, Stop: true},
		script: script,
		logger: logging.NewComponentLogger("scripted-provider"),
	}
}

// SetCapabilities overrides the advertised capabilities.
func (s *Scripted) SetCapabilities(caps Capabilities) *Scripted {
	s.caps = caps
	return s
}

// SetLogger replaces the adapter logger.
func (s *Scripted) SetLogger(logger logging.Logger) *Scripted {
	s.logger = logging.OrNop(logger)
	return s
}

func (s *Scripted) Kind() string               { return s.kind }
func (s *Scripted) Capabilities() Capabilities { return s.caps }

// Run starts replaying the script.
func (s *Scripted) Run(ctx context.Context, input RunInput) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &scriptedHandle{
		events: make(chan Chunk, 16),
		cancel: cancel,
		resume: make(chan string, 1),
	}

	async.Go(s.logger, fmt.Sprintf("scripted-run %s", input.RunID), func() {
		s.replay(runCtx, h)
	})
	return h, nil
}

func (s *Scripted) replay(ctx context.Context, h *scriptedHandle) {
	defer close(h.events)

	finished := false
	for _, step := range s.script.Steps {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				return
			}
		}

		if step.Question != nil {
			if !h.waitForAnswer(ctx, *step.Question) {
				return
			}
			continue
		}

		if step.Chunk == nil {
			continue
		}
		select {
		case h.events <- *step.Chunk:
		case <-ctx.Done():
			return
		}
		if step.Chunk.Kind == ChunkFinished {
			finished = true
			break
		}
	}

	if !finished {
		select {
		case h.events <- Chunk{Kind: ChunkFinished, Finished: &FinishResult{Status: FinishSucceeded}}:
		case <-ctx.Done():
		}
	}
}

type scriptedHandle struct {
	events chan Chunk
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *Question
	resume  chan string

	stopOnce sync.Once
}

func (h *scriptedHandle) Events() <-chan Chunk { return h.events }

// Stop cancels the replay goroutine. Idempotent.
func (h *scriptedHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(h.cancel)
	return nil
}

// waitForAnswer parks the replay on the question until ReplyHumanLoop
// matches it. Returns false when the run was stopped first.
func (h *scriptedHandle) waitForAnswer(ctx context.Context, q Question) bool {
	h.mu.Lock()
	h.pending = &q
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.pending = nil
		h.mu.Unlock()
	}()

	select {
	case <-h.resume:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReplyHumanLoop resumes a parked script when the question matches.
func (h *scriptedHandle) ReplyHumanLoop(ctx context.Context, questionID, answer string) (bool, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending == nil {
		return false, "no pending question", nil
	}
	if h.pending.QuestionID != questionID {
		return false, fmt.Sprintf("unknown question %s", questionID), nil
	}

	select {
	case h.resume <- answer:
		return true, "", nil
	default:
		return false, "reply already in flight", nil
	}
}

var (
	_ Adapter = (*Scripted)(nil)
	_ Handle  = (*scriptedHandle)(nil)
)
