package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/samber/lo"

	"runway/internal/domain/callback"
	"runway/internal/domain/run"
	"runway/internal/eventbus"
	"runway/internal/observability"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
)

// RunController is the narrow orchestrator surface the ingestor needs to
// forward human-loop answers. Kept as an interface so the ingestor and
// orchestrator do not depend on each other's concrete types.
type RunController interface {
	ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) (accepted bool, reason string, err error)
}

// IngestResult reports how one callback delivery was absorbed.
type IngestResult struct {
	Action    string `json:"action"`
	Duplicate bool   `json:"duplicate"`
}

// Ingest actions.
const (
	ActionDuplicateIgnored    = "duplicate_ignored"
	ActionMessageStopSynced   = "message_stop_synced"
	ActionTodoSynced          = "todo_synced"
	ActionHumanLoopRequested  = "human_loop_requested"
	ActionHumanLoopResolved   = "human_loop_resolved"
	ActionRunFinishedRecorded = "run_finished_recorded"
)

// ReplyResult is the outcome of a human-loop reply.
type ReplyResult struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// CallbackIngestor absorbs provider callbacks idempotently: every
// delivery carries an eventId, and per run each eventId applies exactly
// one mutation.
type CallbackIngestor struct {
	store      callback.Store
	queue      run.Queue
	bus        *eventbus.Bus
	controller RunController
	estimator  *UsageEstimator
	obs        *observability.Observability
	logger     logging.Logger
	retryDelay time.Duration
	now        func() time.Time
}

// NewCallbackIngestor creates an ingestor bound to the callback store,
// run queue and event bus.
func NewCallbackIngestor(store callback.Store, queue run.Queue, bus *eventbus.Bus, opts ...IngestorOption) *CallbackIngestor {
	ing := &CallbackIngestor{
		store:      store,
		queue:      queue,
		bus:        bus,
		estimator:  NewUsageEstimator(),
		logger:     logging.NewComponentLogger("CallbackIngestor"),
		retryDelay: defaultRunRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ing)
		}
	}
	return ing
}

// IngestorOption configures optional behavior.
type IngestorOption func(*CallbackIngestor)

// WithIngestorController wires the orchestrator's human-loop surface.
func WithIngestorController(controller RunController) IngestorOption {
	return func(ing *CallbackIngestor) {
		ing.controller = controller
	}
}

// WithIngestorLogger replaces the component logger.
func WithIngestorLogger(logger logging.Logger) IngestorOption {
	return func(ing *CallbackIngestor) {
		ing.logger = logging.OrNop(logger)
	}
}

// WithIngestorObservability wires metrics.
func WithIngestorObservability(obs *observability.Observability) IngestorOption {
	return func(ing *CallbackIngestor) {
		ing.obs = obs
	}
}

// WithIngestorEstimator shares the orchestrator's usage estimator so
// run.finished callbacks without usage fall back to the same counters.
func WithIngestorEstimator(estimator *UsageEstimator) IngestorOption {
	return func(ing *CallbackIngestor) {
		if estimator != nil {
			ing.estimator = estimator
		}
	}
}

// WithIngestorRetryDelay sets the requeue delay used when a run.finished
// callback reports failure.
func WithIngestorRetryDelay(delay time.Duration) IngestorOption {
	return func(ing *CallbackIngestor) {
		if delay >= 0 {
			ing.retryDelay = delay
		}
	}
}

// WithIngestorClock injects a clock for tests.
func WithIngestorClock(now func() time.Time) IngestorOption {
	return func(ing *CallbackIngestor) {
		if now != nil {
			ing.now = now
		}
	}
}

// Wire payload shapes. The HTTP surface uses camelCase keys.

type todoItemPayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type todoUpdatePayload struct {
	Items []todoItemPayload `json:"items"`
}

type humanLoopRequestPayload struct {
	QuestionID string            `json:"questionId"`
	SessionID  string            `json:"sessionId,omitempty"`
	Prompt     string            `json:"prompt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type humanLoopResolvedPayload struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer,omitempty"`
}

type usagePayload struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type runFinishedPayload struct {
	Status string        `json:"status"`
	Usage  *usagePayload `json:"usage,omitempty"`
}

// Ingest applies one callback delivery. Payloads are validated before
// the eventId is consumed so a rejected delivery can be retried with the
// same eventId.
func (ing *CallbackIngestor) Ingest(ctx context.Context, runID string, env callback.Envelope) (*IngestResult, error) {
	if ing == nil || ing.store == nil || ing.bus == nil {
		return nil, UnavailableError("callback ingestor not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, ValidationError("run id is required")
	}
	eventID := strings.TrimSpace(env.EventID)
	if eventID == "" {
		return nil, ValidationError("eventId is required")
	}

	apply, err := ing.prepare(runID, env)
	if err != nil {
		return nil, err
	}

	first, err := ing.store.MarkProcessed(ctx, runID, eventID)
	if err != nil {
		return nil, fmt.Errorf("mark callback %s processed: %w", eventID, err)
	}
	if !first {
		ing.recordCallback(ctx, env.Kind, true)
		return &IngestResult{Action: ActionDuplicateIgnored, Duplicate: true}, nil
	}

	result, err := apply(ctx)
	if err != nil {
		// A not-found apply mutated nothing: release the eventId so a
		// retry after the missing row appears (e.g. a human_loop.resolved
		// racing ahead of its requested) is not swallowed as a duplicate.
		if errors.Is(err, ErrNotFound) {
			if unmarkErr := ing.store.UnmarkProcessed(ctx, runID, eventID); unmarkErr != nil {
				ing.logger.Warn("[Ingest] release callback %s for run %s: %v", eventID, runID, unmarkErr)
			}
		}
		return nil, err
	}
	ing.recordCallback(ctx, env.Kind, false)
	ing.logger.Info("[Ingest] run %s callback %s (%s) -> %s", runID, eventID, env.Kind, result.Action)
	return result, nil
}

// prepare parses and validates the payload for its kind and returns the
// mutation to run once the eventId is claimed.
func (ing *CallbackIngestor) prepare(runID string, env callback.Envelope) (func(context.Context) (*IngestResult, error), error) {
	switch env.Kind {
	case callback.KindMessageStop:
		return func(ctx context.Context) (*IngestResult, error) {
			return ing.applyMessageStop(ctx, runID)
		}, nil

	case callback.KindTodoUpdate:
		items, err := ing.parseTodoItems(env.Payload)
		if err != nil {
			return nil, err
		}
		eventID := strings.TrimSpace(env.EventID)
		return func(ctx context.Context) (*IngestResult, error) {
			return ing.applyTodoUpdate(ctx, runID, eventID, items)
		}, nil

	case callback.KindHumanLoopRequest:
		var payload humanLoopRequestPayload
		if err := jsonx.Unmarshal(env.Payload, &payload); err != nil {
			return nil, ValidationError(fmt.Sprintf("decode human_loop.requested payload: %v", err))
		}
		if strings.TrimSpace(payload.QuestionID) == "" {
			return nil, ValidationError("questionId is required")
		}
		return func(ctx context.Context) (*IngestResult, error) {
			return ing.applyHumanLoopRequested(ctx, runID, payload)
		}, nil

	case callback.KindHumanLoopResolved:
		var payload humanLoopResolvedPayload
		if err := jsonx.Unmarshal(env.Payload, &payload); err != nil {
			return nil, ValidationError(fmt.Sprintf("decode human_loop.resolved payload: %v", err))
		}
		if strings.TrimSpace(payload.QuestionID) == "" {
			return nil, ValidationError("questionId is required")
		}
		return func(ctx context.Context) (*IngestResult, error) {
			return ing.applyHumanLoopResolved(ctx, runID, payload)
		}, nil

	case callback.KindRunFinished:
		var payload runFinishedPayload
		if err := jsonx.Unmarshal(env.Payload, &payload); err != nil {
			return nil, ValidationError(fmt.Sprintf("decode run.finished payload: %v", err))
		}
		status := strings.TrimSpace(payload.Status)
		switch status {
		case string(run.StatusSucceeded), string(run.StatusFailed), string(run.StatusCanceled):
		default:
			return nil, ValidationError(fmt.Sprintf("run.finished status must be succeeded, failed or canceled, got %q", payload.Status))
		}
		return func(ctx context.Context) (*IngestResult, error) {
			return ing.applyRunFinished(ctx, runID, status, payload.Usage)
		}, nil

	default:
		return nil, ValidationError(fmt.Sprintf("unknown callback kind: %s", env.Kind))
	}
}

// applyMessageStop marks the assistant message boundary. The bus has no
// dedicated kind for boundaries, so active runs get a run.status{running}
// ping with detail message_stop; closed runs drop it silently.
func (ing *CallbackIngestor) applyMessageStop(ctx context.Context, runID string) (*IngestResult, error) {
	ing.publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(eventbus.StatusRunning, "message_stop"))
	return &IngestResult{Action: ActionMessageStopSynced}, nil
}

func (ing *CallbackIngestor) applyTodoUpdate(ctx context.Context, runID, eventID string, items []callback.TodoItem) (*IngestResult, error) {
	now := ing.now()
	for i := range items {
		items[i].UpdatedAt = now
	}
	if err := ing.store.UpsertTodos(ctx, runID, eventID, items, now); err != nil {
		return nil, fmt.Errorf("upsert todos for run %s: %w", runID, err)
	}
	payload, err := jsonx.Marshal(map[string]any{"items": items})
	if err != nil {
		return nil, fmt.Errorf("encode todo event: %w", err)
	}
	ing.publish(ctx, runID, eventbus.KindTodoUpdate, payload)
	return &IngestResult{Action: ActionTodoSynced}, nil
}

func (ing *CallbackIngestor) applyHumanLoopRequested(ctx context.Context, runID string, payload humanLoopRequestPayload) (*IngestResult, error) {
	req := &callback.HumanLoopRequest{
		QuestionID:  strings.TrimSpace(payload.QuestionID),
		RunID:       runID,
		SessionID:   strings.TrimSpace(payload.SessionID),
		Prompt:      payload.Prompt,
		Metadata:    payload.Metadata,
		Status:      callback.HumanLoopPending,
		RequestedAt: ing.now(),
	}
	if req.SessionID == "" {
		if sessionID, ok, err := ing.store.SessionForRun(ctx, runID); err == nil && ok {
			req.SessionID = sessionID
		}
	}

	inserted, err := ing.store.InsertHumanLoop(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("insert human-loop %s: %w", req.QuestionID, err)
	}
	if inserted {
		ing.publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(eventbus.StatusWaitingHuman, req.QuestionID))
	}
	return &IngestResult{Action: ActionHumanLoopRequested}, nil
}

func (ing *CallbackIngestor) applyHumanLoopResolved(ctx context.Context, runID string, payload humanLoopResolvedPayload) (*IngestResult, error) {
	questionID := strings.TrimSpace(payload.QuestionID)
	req, err := ing.store.GetHumanLoop(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if req.RunID != runID {
		return nil, NotFoundError(fmt.Sprintf("question %s does not belong to run %s", questionID, runID))
	}

	changed, err := ing.store.ResolveHumanLoop(ctx, questionID, payload.Answer, ing.now())
	if err != nil {
		return nil, fmt.Errorf("resolve human-loop %s: %w", questionID, err)
	}
	if changed {
		ing.publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(eventbus.StatusRunning, ""))
	}
	return &IngestResult{Action: ActionHumanLoopResolved}, nil
}

func (ing *CallbackIngestor) applyRunFinished(ctx context.Context, runID, status string, usage *usagePayload) (*IngestResult, error) {
	value := ing.estimator.Estimate(runID)
	if usage != nil {
		value = callback.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.TotalTokens,
		}
		if value.TotalTokens == 0 {
			value.TotalTokens = value.InputTokens + value.OutputTokens
		}
	}
	if _, _, err := ing.store.RecordUsageOnce(ctx, runID, value); err != nil {
		return nil, fmt.Errorf("record usage for run %s: %w", runID, err)
	}

	ing.publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(eventbus.StatusFinished, status))
	if err := ing.bus.Close(ctx, runID, status); err != nil {
		ing.logger.Warn("[Ingest] close stream for run %s: %v", runID, err)
	}

	now := ing.now()
	var err error
	switch status {
	case string(run.StatusSucceeded):
		err = ing.queueMark(func() error { return ing.queue.MarkSucceeded(ctx, runID, now) })
	case string(run.StatusCanceled):
		err = ing.queueMark(func() error { return ing.queue.MarkCanceled(ctx, runID, now, "provider reported canceled") })
	default:
		err = ing.queueMark(func() error {
			_, markErr := ing.queue.MarkRetryOrFailed(ctx, runID, now, ing.retryDelay, "provider reported failure")
			return markErr
		})
	}
	if err != nil {
		ing.logger.Warn("[Ingest] queue transition for run %s (%s): %v", runID, status, err)
	}
	ing.estimator.Forget(runID)
	return &IngestResult{Action: ActionRunFinishedRecorded}, nil
}

// queueMark runs a queue transition, tolerating runs the queue never saw
// (externally executed) and already-terminal items.
func (ing *CallbackIngestor) queueMark(mark func() error) error {
	if ing.queue == nil {
		return nil
	}
	err := mark()
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

// BindRun records the run's session. Last write wins.
func (ing *CallbackIngestor) BindRun(ctx context.Context, runID, sessionID string) error {
	if ing == nil || ing.store == nil {
		return UnavailableError("callback ingestor not initialized")
	}
	runID = strings.TrimSpace(runID)
	sessionID = strings.TrimSpace(sessionID)
	if runID == "" || sessionID == "" {
		return ValidationError("run id and session id are required")
	}
	return ing.store.BindRun(ctx, runID, sessionID)
}

// Reply delivers a human answer for a pending question. The controller
// verdict decides acceptance; only accepted replies persist.
func (ing *CallbackIngestor) Reply(ctx context.Context, runID, questionID, answer string) (*ReplyResult, error) {
	if ing == nil || ing.store == nil {
		return nil, UnavailableError("callback ingestor not initialized")
	}
	runID = strings.TrimSpace(runID)
	questionID = strings.TrimSpace(questionID)
	if runID == "" || questionID == "" {
		return nil, ValidationError("run id and question id are required")
	}

	req, err := ing.store.GetHumanLoop(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if req.RunID != runID {
		return nil, NotFoundError(fmt.Sprintf("question %s does not belong to run %s", questionID, runID))
	}
	if req.Status != callback.HumanLoopPending {
		return &ReplyResult{OK: true, Duplicate: true, Status: string(req.Status)}, nil
	}

	accepted, reason := false, "run not active"
	if ing.controller != nil {
		var ctrlErr error
		accepted, reason, ctrlErr = ing.controller.ReplyHumanLoop(ctx, runID, questionID, answer)
		if ctrlErr != nil {
			return nil, fmt.Errorf("forward reply for question %s: %w", questionID, ctrlErr)
		}
	}
	if !accepted {
		if reason == "" {
			reason = "reply rejected"
		}
		return &ReplyResult{OK: false, Reason: reason}, nil
	}

	changed, err := ing.store.ResolveHumanLoop(ctx, questionID, answer, ing.now())
	if err != nil {
		return nil, fmt.Errorf("resolve question %s: %w", questionID, err)
	}
	if !changed {
		// Raced with another resolver after the pending check.
		return &ReplyResult{OK: true, Duplicate: true, Status: string(callback.HumanLoopResolved)}, nil
	}

	ing.publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(eventbus.StatusRunning, ""))
	ing.logger.Info("[Reply] question %s on run %s resolved", questionID, runID)
	return &ReplyResult{OK: true}, nil
}

// ListPendingHumanLoops returns pending questions, oldest first.
func (ing *CallbackIngestor) ListPendingHumanLoops(ctx context.Context, runID string, limit int) ([]*callback.HumanLoopRequest, error) {
	if ing == nil || ing.store == nil {
		return nil, UnavailableError("callback ingestor not initialized")
	}
	return ing.store.ListPendingHumanLoops(ctx, strings.TrimSpace(runID), limit)
}

// GetUsage returns the finalized usage for a run.
func (ing *CallbackIngestor) GetUsage(ctx context.Context, runID string) (callback.Usage, bool, error) {
	if ing == nil || ing.store == nil {
		return callback.Usage{}, false, UnavailableError("callback ingestor not initialized")
	}
	return ing.store.GetUsage(ctx, strings.TrimSpace(runID))
}

// ListTodos returns the run's current todo board.
func (ing *CallbackIngestor) ListTodos(ctx context.Context, runID string) ([]callback.TodoItem, error) {
	if ing == nil || ing.store == nil {
		return nil, UnavailableError("callback ingestor not initialized")
	}
	return ing.store.ListTodos(ctx, strings.TrimSpace(runID))
}

// ListTodoEvents returns todo deliveries in arrival order.
func (ing *CallbackIngestor) ListTodoEvents(ctx context.Context, runID string) ([]callback.TodoEvent, error) {
	if ing == nil || ing.store == nil {
		return nil, UnavailableError("callback ingestor not initialized")
	}
	return ing.store.ListTodoEvents(ctx, strings.TrimSpace(runID))
}

// parseTodoItems decodes a todo.update payload, repairing malformed JSON
// first. Agent-produced payloads frequently arrive with unquoted keys or
// trailing commas; irreparable payloads are a validation error.
func (ing *CallbackIngestor) parseTodoItems(raw jsonx.RawMessage) ([]callback.TodoItem, error) {
	if len(raw) == 0 {
		return nil, ValidationError("todo.update payload is required")
	}

	var payload todoUpdatePayload
	if err := jsonx.Unmarshal(raw, &payload); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(raw))
		if repairErr != nil {
			return nil, ValidationError(fmt.Sprintf("todo.update payload unparsable: %v", err))
		}
		if err := jsonx.Unmarshal([]byte(repaired), &payload); err != nil {
			return nil, ValidationError(fmt.Sprintf("todo.update payload unparsable after repair: %v", err))
		}
		ing.logger.Debug("[Ingest] repaired malformed todo payload (%d -> %d bytes)", len(raw), len(repaired))
	}
	if len(payload.Items) == 0 {
		return nil, ValidationError("todo.update payload has no items")
	}

	items := lo.Map(payload.Items, func(it todoItemPayload, _ int) callback.TodoItem {
		return callback.TodoItem{
			ID:      strings.TrimSpace(it.ID),
			Content: it.Content,
			Status:  it.Status,
		}
	})
	for _, it := range items {
		if it.ID == "" {
			return nil, ValidationError("todo item id is required")
		}
	}
	return items, nil
}

func (ing *CallbackIngestor) publish(ctx context.Context, runID string, kind eventbus.Kind, payload []byte) {
	if _, err := ing.bus.Publish(ctx, runID, kind, payload); err != nil {
		ing.logger.Warn("[Ingest] publish %s for run %s: %v", kind, runID, err)
		return
	}
	if ing.obs != nil {
		ing.obs.Metrics.RecordEventPublished(ctx, string(kind))
	}
}

func (ing *CallbackIngestor) recordCallback(ctx context.Context, kind callback.Kind, duplicate bool) {
	if ing.obs != nil {
		ing.obs.Metrics.RecordCallback(ctx, string(kind), duplicate)
	}
}
