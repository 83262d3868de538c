package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"runway/internal/async"
	"runway/internal/domain/callback"
	"runway/internal/domain/run"
	"runway/internal/eventbus"
	"runway/internal/observability"
	"runway/internal/provider"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
	id "runway/internal/utils/id"
)

const (
	defaultRunLeaseTTL       = 45 * time.Second
	defaultRunMaxInFlight    = 64
	defaultClaimPollInterval = 500 * time.Millisecond
	defaultRunRetryDelay     = 5 * time.Second
)

var (
	errRunStopped   = errors.New("run stopped by caller")
	errRunLeaseLost = errors.New("run lease lost")
)

// RunOrchestrator owns the run lifecycle: it enqueues start requests,
// claims queue items under a lease, drives the provider chunk stream and
// shapes it into bus events for SSE/WS subscribers.
type RunOrchestrator struct {
	queue     run.Queue
	bus       *eventbus.Bus
	callbacks callback.Store
	providers *provider.Registry
	estimator *UsageEstimator
	obs       *observability.Observability
	logger    logging.Logger

	// cancelFuncs and handles index the in-flight runs owned by this
	// process. A run appears in both maps between claim and completion.
	cancelFuncs map[string]context.CancelCauseFunc
	handles     map[string]provider.Handle
	cancelMu    sync.RWMutex

	ownerID            string
	leaseTTL           time.Duration
	leaseRenewInterval time.Duration
	claimInterval      time.Duration
	retryDelay         time.Duration
	admissionSem       chan struct{}
	now                func() time.Time
}

// NewRunOrchestrator creates an orchestrator bound to the queue, bus,
// callback store and provider registry.
func NewRunOrchestrator(
	queue run.Queue,
	bus *eventbus.Bus,
	callbacks callback.Store,
	providers *provider.Registry,
	opts ...OrchestratorOption,
) *RunOrchestrator {
	o := &RunOrchestrator{
		queue:         queue,
		bus:           bus,
		callbacks:     callbacks,
		providers:     providers,
		estimator:     NewUsageEstimator(),
		logger:        logging.NewComponentLogger("RunOrchestrator"),
		cancelFuncs:   make(map[string]context.CancelCauseFunc),
		handles:       make(map[string]provider.Handle),
		ownerID:       id.NewWorkerOwnerID(),
		leaseTTL:      defaultRunLeaseTTL,
		claimInterval: defaultClaimPollInterval,
		retryDelay:    defaultRunRetryDelay,
		admissionSem:  make(chan struct{}, defaultRunMaxInFlight),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// OrchestratorOption configures optional behavior.
type OrchestratorOption func(*RunOrchestrator)

// WithOrchestratorLogger replaces the component logger.
func WithOrchestratorLogger(logger logging.Logger) OrchestratorOption {
	return func(o *RunOrchestrator) {
		o.logger = logging.OrNop(logger)
	}
}

// WithOrchestratorObservability wires metrics and tracing.
func WithOrchestratorObservability(obs *observability.Observability) OrchestratorOption {
	return func(o *RunOrchestrator) {
		o.obs = obs
	}
}

// WithOrchestratorEstimator replaces the usage estimator.
func WithOrchestratorEstimator(estimator *UsageEstimator) OrchestratorOption {
	return func(o *RunOrchestrator) {
		if estimator != nil {
			o.estimator = estimator
		}
	}
}

// WithOrchestratorOwnerID sets the claim-lease owner id for this process.
func WithOrchestratorOwnerID(ownerID string) OrchestratorOption {
	return func(o *RunOrchestrator) {
		ownerID = strings.TrimSpace(ownerID)
		if ownerID != "" {
			o.ownerID = ownerID
		}
	}
}

// WithOrchestratorLeaseConfig configures claim lease TTL and renew interval.
// renewInterval <= 0 falls back to ttl/3.
func WithOrchestratorLeaseConfig(ttl, renewInterval time.Duration) OrchestratorOption {
	return func(o *RunOrchestrator) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
		if renewInterval > 0 {
			o.leaseRenewInterval = renewInterval
		}
	}
}

// WithOrchestratorAdmissionLimit bounds in-flight runs.
// maxInFlight <= 0 disables the limiter.
func WithOrchestratorAdmissionLimit(maxInFlight int) OrchestratorOption {
	return func(o *RunOrchestrator) {
		if maxInFlight <= 0 {
			o.admissionSem = nil
			return
		}
		o.admissionSem = make(chan struct{}, maxInFlight)
	}
}

// WithOrchestratorClaimInterval sets the claim-loop poll interval.
func WithOrchestratorClaimInterval(interval time.Duration) OrchestratorOption {
	return func(o *RunOrchestrator) {
		if interval > 0 {
			o.claimInterval = interval
		}
	}
}

// WithOrchestratorRetryDelay sets the requeue delay applied on retryable
// run failures.
func WithOrchestratorRetryDelay(delay time.Duration) OrchestratorOption {
	return func(o *RunOrchestrator) {
		if delay >= 0 {
			o.retryDelay = delay
		}
	}
}

// WithOrchestratorClock injects a clock for tests.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *RunOrchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// StartRunRequest is the caller's run submission.
type StartRunRequest struct {
	RunID            string             `json:"runId,omitempty"`
	SessionID        string             `json:"sessionId,omitempty"`
	Provider         string             `json:"provider"`
	Model            string             `json:"model,omitempty"`
	Messages         []provider.Message `json:"messages,omitempty"`
	RequireHumanLoop *bool              `json:"requireHumanLoop,omitempty"`
	ExecutionProfile string             `json:"executionProfile,omitempty"`
	Options          map[string]any     `json:"options,omitempty"`
	MaxAttempts      int                `json:"maxAttempts,omitempty"`
}

// StartRunResult reports how a start call was absorbed. Accepted=false
// means the runId was already enqueued and Stream is attached to the
// existing run's log instead of a fresh execution.
type StartRunResult struct {
	RunID    string
	Accepted bool
	Stream   *eventbus.Subscription
}

// runPayload is the queue-item payload written by StartRun and decoded
// again at execution time.
type runPayload struct {
	Provider         string             `json:"provider"`
	Model            string             `json:"model,omitempty"`
	Messages         []provider.Message `json:"messages,omitempty"`
	RequireHumanLoop bool               `json:"requireHumanLoop"`
	ExecutionProfile string             `json:"executionProfile,omitempty"`
	Options          map[string]any     `json:"options,omitempty"`
}

// StartRun enqueues the request, claims it when possible and returns a
// stream subscribed from the start of the run's log. Duplicate runIds
// attach to the existing log without re-executing.
func (o *RunOrchestrator) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResult, error) {
	if o == nil || o.queue == nil || o.bus == nil {
		return nil, UnavailableError("orchestrator not initialized")
	}
	providerKind := strings.TrimSpace(req.Provider)
	if providerKind == "" {
		return nil, ValidationError("provider is required")
	}
	if o.providers == nil {
		return nil, UnavailableError("provider registry not configured")
	}
	if _, ok := o.providers.Resolve(providerKind); !ok {
		return nil, ValidationError(fmt.Sprintf("unknown provider: %s", providerKind))
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = id.NewRunID()
	}

	requireHumanLoop := true
	if req.RequireHumanLoop != nil {
		requireHumanLoop = *req.RequireHumanLoop
	}

	payload, err := jsonx.Marshal(runPayload{
		Provider:         providerKind,
		Model:            strings.TrimSpace(req.Model),
		Messages:         req.Messages,
		RequireHumanLoop: requireHumanLoop,
		ExecutionProfile: strings.TrimSpace(req.ExecutionProfile),
		Options:          req.Options,
	})
	if err != nil {
		return nil, ValidationError(fmt.Sprintf("encode run payload: %v", err))
	}

	now := o.now()
	item := &run.Item{
		RunID:       runID,
		SessionID:   strings.TrimSpace(req.SessionID),
		Provider:    providerKind,
		Status:      run.StatusQueued,
		MaxAttempts: req.MaxAttempts,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	accepted, err := o.queue.Enqueue(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("enqueue run %s: %w", runID, err)
	}

	if accepted && item.SessionID != "" && o.callbacks != nil {
		if err := o.callbacks.BindRun(ctx, runID, item.SessionID); err != nil {
			o.logger.Warn("[StartRun] bind run %s to session %s failed: %v", runID, item.SessionID, err)
		}
	}

	stream, err := o.bus.Subscribe(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("subscribe run %s: %w", runID, err)
	}

	if !accepted {
		o.logger.Info("[StartRun] run %s already enqueued, attaching to existing stream", runID)
		return &StartRunResult{RunID: runID, Accepted: false, Stream: stream}, nil
	}

	o.logger.Info("[StartRun] run %s enqueued (provider=%s session=%s)", runID, providerKind, item.SessionID)
	if o.obs != nil {
		o.obs.Metrics.RecordRunStarted(ctx, providerKind)
	}

	// Claim eagerly so the caller's stream sees run.status{started}
	// without waiting a claim-loop tick.
	o.dispatchOne(ctx)

	return &StartRunResult{RunID: runID, Accepted: true, Stream: stream}, nil
}

// GetRun returns the queue item for a run.
func (o *RunOrchestrator) GetRun(ctx context.Context, runID string) (*run.Item, error) {
	if o == nil || o.queue == nil {
		return nil, UnavailableError("orchestrator not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, ValidationError("run id is required")
	}
	return o.queue.FindByRunID(ctx, runID)
}

// StopRun cancels an in-flight or queued run. Stopping a terminal run is
// a no-op; an unknown run returns a not-found error.
func (o *RunOrchestrator) StopRun(ctx context.Context, runID string) error {
	if o == nil || o.queue == nil || o.bus == nil {
		return UnavailableError("orchestrator not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return ValidationError("run id is required")
	}

	item, err := o.queue.FindByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return nil
	}

	o.cancelMu.RLock()
	handle := o.handles[runID]
	cancel := o.cancelFuncs[runID]
	o.cancelMu.RUnlock()

	// Cancel before stopping the handle so driveChunks sees the stop
	// cause instead of treating the closed stream as a provider failure.
	if cancel != nil {
		cancel(errRunStopped)
	}
	if handle != nil {
		if err := handle.Stop(ctx); err != nil {
			o.logger.Warn("[StopRun] provider stop for run %s: %v", runID, err)
		}
	}

	if _, err := o.bus.Publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(eventbus.StatusCanceled, "stopped by caller")); err != nil {
		o.logger.Warn("[StopRun] publish canceled status for run %s: %v", runID, err)
	}
	if err := o.bus.Close(ctx, runID, eventbus.StatusCanceled); err != nil {
		o.logger.Warn("[StopRun] close stream for run %s: %v", runID, err)
	}

	if err := o.queue.MarkCanceled(ctx, runID, o.now(), "stopped by caller"); err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("mark run %s canceled: %w", runID, err)
	}
	if o.obs != nil {
		o.obs.Metrics.RecordRunFinished(ctx, string(run.StatusCanceled))
	}
	o.estimator.Forget(runID)
	o.logger.Info("[StopRun] run %s canceled", runID)
	return nil
}

// ReplyHumanLoop forwards an answer to the live provider handle. A run
// without an active handle reports accepted=false, reason "run not
// active" so the caller can surface a conflict instead of losing the
// answer silently.
func (o *RunOrchestrator) ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) (bool, string, error) {
	if o == nil {
		return false, "run not active", nil
	}
	o.cancelMu.RLock()
	handle := o.handles[runID]
	o.cancelMu.RUnlock()
	if handle == nil {
		return false, "run not active", nil
	}
	return handle.ReplyHumanLoop(ctx, questionID, answer)
}

// StartClaimLoop polls the queue so retried or requeued items execute
// even without an attached HTTP caller. Runs until ctx ends.
func (o *RunOrchestrator) StartClaimLoop(ctx context.Context) {
	async.Loop(ctx, o.logger, "orchestrator.claimLoop", o.claimInterval, func(tickCtx context.Context) {
		for o.dispatchOne(tickCtx) {
		}
	})
}

// dispatchOne claims the next claimable item and executes it in the
// background. Returns false when nothing was claimed: queue empty,
// admission full, or claim error.
func (o *RunOrchestrator) dispatchOne(ctx context.Context) bool {
	release, ok := o.tryAcquireAdmission()
	if !ok {
		return false
	}

	item, claimed, err := o.queue.ClaimNext(ctx, o.ownerID, o.now(), o.leaseTTL)
	if err != nil {
		release()
		o.logger.Warn("[Claim] claim next failed: %v", err)
		return false
	}
	if !claimed {
		release()
		return false
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	o.cancelMu.Lock()
	o.cancelFuncs[item.RunID] = cancel
	o.cancelMu.Unlock()

	async.Go(o.logger, "orchestrator.executeRun", func() {
		o.executeRun(runCtx, item, release)
	})
	return true
}

// executeRun drives one claimed item to a terminal state.
func (o *RunOrchestrator) executeRun(ctx context.Context, item *run.Item, release func()) {
	runID := item.RunID
	stopRenew := o.startLeaseRenewer(ctx, runID)

	defer func() {
		stopRenew()
		if release != nil {
			release()
		}
		o.cancelMu.Lock()
		delete(o.cancelFuncs, runID)
		delete(o.handles, runID)
		o.cancelMu.Unlock()
	}()

	var payload runPayload
	if err := jsonx.Unmarshal(item.Payload, &payload); err != nil {
		o.logger.Error("[Execute] run %s has undecodable payload: %v", runID, err)
		o.failPermanently(ctx, runID, "invalid run payload")
		return
	}

	adapter, ok := o.providers.Resolve(payload.Provider)
	if !ok {
		o.logger.Error("[Execute] run %s references unknown provider %q", runID, payload.Provider)
		o.failPermanently(ctx, runID, fmt.Sprintf("unknown provider: %s", payload.Provider))
		return
	}

	if payload.RequireHumanLoop && !adapter.Capabilities().HumanLoop {
		o.logger.Warn("[Execute] run %s requires human-loop, provider %s lacks it", runID, payload.Provider)
		o.publishStatus(ctx, runID, eventbus.StatusBlocked, "provider does not support human-loop")
		o.closeRun(ctx, runID, eventbus.StatusBlocked)
		if err := o.queue.MarkFailed(ctx, runID, o.now(), "provider_missing_human_loop"); err != nil {
			o.logger.Warn("[Execute] mark run %s failed: %v", runID, err)
		}
		if o.obs != nil {
			o.obs.Metrics.RecordRunFinished(ctx, string(run.StatusFailed))
		}
		return
	}

	o.estimator.FeedPrompt(runID, payload.Messages)
	o.publishStatus(ctx, runID, eventbus.StatusStarted, "")

	handle, err := adapter.Run(ctx, provider.RunInput{
		RunID:            runID,
		SessionID:        item.SessionID,
		Model:            payload.Model,
		Messages:         payload.Messages,
		RequireHumanLoop: payload.RequireHumanLoop,
		ExecutionProfile: payload.ExecutionProfile,
		Options:          payload.Options,
	})
	if err != nil {
		o.logger.Error("[Execute] provider %s rejected run %s: %v", payload.Provider, runID, err)
		o.failRetryable(ctx, runID, err.Error())
		return
	}

	o.cancelMu.Lock()
	o.handles[runID] = handle
	o.cancelMu.Unlock()

	o.logger.Info("[Execute] run %s started on provider %s", runID, payload.Provider)
	o.driveChunks(ctx, runID, handle)
}

// driveChunks consumes the provider stream and maps chunks onto bus
// events, callback-store writes and queue transitions.
func (o *RunOrchestrator) driveChunks(ctx context.Context, runID string, handle provider.Handle) {
	events := handle.Events()
	for {
		select {
		case <-ctx.Done():
			// StopRun and lease loss publish their own terminal state.
			o.logger.Info("[Execute] run %s context ended: %v", runID, context.Cause(ctx))
			if stopErr := handle.Stop(context.Background()); stopErr != nil {
				o.logger.Warn("[Execute] provider stop for run %s: %v", runID, stopErr)
			}
			return
		case chunk, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				o.logger.Warn("[Execute] run %s stream ended without a terminal chunk", runID)
				o.failRetryable(ctx, runID, "provider stream ended without result")
				return
			}
			if done := o.applyChunk(ctx, runID, chunk); done {
				return
			}
		}
	}
}

// applyChunk handles a single provider chunk. Returns true on the
// terminal chunk.
func (o *RunOrchestrator) applyChunk(ctx context.Context, runID string, chunk provider.Chunk) bool {
	switch chunk.Kind {
	case provider.ChunkMessageDelta:
		o.estimator.FeedOutput(runID, chunk.Text)
		o.publish(ctx, runID, eventbus.KindMessageDelta, eventbus.DeltaPayload(chunk.Text))

	case provider.ChunkTodoUpdate:
		if o.callbacks != nil {
			if err := o.callbacks.UpsertTodos(ctx, runID, id.NewEventID(), chunk.Todos, o.now()); err != nil {
				o.logger.Warn("[Execute] upsert todos for run %s: %v", runID, err)
			}
		}
		payload, err := jsonx.Marshal(map[string]any{"items": chunk.Todos})
		if err != nil {
			o.logger.Warn("[Execute] encode todos for run %s: %v", runID, err)
			return false
		}
		o.publish(ctx, runID, eventbus.KindTodoUpdate, payload)

	case provider.ChunkWarning:
		o.publish(ctx, runID, eventbus.KindRunWarning, eventbus.WarningPayload("provider", chunk.Warning))

	case provider.ChunkFinished:
		status := provider.FinishSucceeded
		var usage *callback.Usage
		if chunk.Finished != nil {
			status = chunk.Finished.Status
			usage = chunk.Finished.Usage
		}
		o.finishRun(ctx, runID, status, usage)
		return true

	default:
		o.logger.Warn("[Execute] run %s produced unknown chunk kind %q", runID, chunk.Kind)
	}
	return false
}

// finishRun applies the terminal provider verdict: finalize-once usage,
// run.status{finished} + run.closed, then the matching queue transition.
func (o *RunOrchestrator) finishRun(ctx context.Context, runID string, status provider.FinishStatus, usage *callback.Usage) {
	o.recordUsage(ctx, runID, usage)

	detail := string(status)
	o.publishStatus(ctx, runID, eventbus.StatusFinished, detail)
	o.closeRun(ctx, runID, detail)

	now := o.now()
	var err error
	switch status {
	case provider.FinishSucceeded:
		err = o.queue.MarkSucceeded(ctx, runID, now)
	case provider.FinishCanceled:
		err = o.queue.MarkCanceled(ctx, runID, now, "provider reported canceled")
	default:
		_, err = o.queue.MarkRetryOrFailed(ctx, runID, now, o.retryDelay, "provider reported failure")
	}
	if err != nil && !errors.Is(err, ErrConflict) {
		o.logger.Warn("[Execute] queue transition for run %s (%s): %v", runID, detail, err)
	}
	if o.obs != nil {
		o.obs.Metrics.RecordRunFinished(ctx, detail)
	}
	o.estimator.Forget(runID)
	o.logger.Info("[Execute] run %s finished: %s", runID, detail)
}

// recordUsage stores provider-reported usage, falling back to the local
// estimate. First write wins.
func (o *RunOrchestrator) recordUsage(ctx context.Context, runID string, usage *callback.Usage) {
	if o.callbacks == nil {
		return
	}
	value := o.estimator.Estimate(runID)
	if usage != nil {
		value = *usage
	}
	if _, _, err := o.callbacks.RecordUsageOnce(ctx, runID, value); err != nil {
		o.logger.Warn("[Execute] record usage for run %s: %v", runID, err)
	}
}

// failRetryable ends the attempt with run.status{failed, detail} and a
// retry-or-fail queue transition.
func (o *RunOrchestrator) failRetryable(ctx context.Context, runID, errorMessage string) {
	o.publishStatus(ctx, runID, eventbus.StatusFailed, errorMessage)
	o.closeRun(ctx, runID, eventbus.StatusFailed)
	outcome, err := o.queue.MarkRetryOrFailed(ctx, runID, o.now(), o.retryDelay, errorMessage)
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			o.logger.Warn("[Execute] retry transition for run %s: %v", runID, err)
		}
	} else if outcome != nil && outcome.Status == run.StatusQueued {
		o.logger.Info("[Execute] run %s requeued (attempt %d/%d)", runID, outcome.Attempts, outcome.MaxAttempts)
	}
	if o.obs != nil {
		o.obs.Metrics.RecordRunFinished(ctx, string(run.StatusFailed))
	}
	o.estimator.Forget(runID)
}

// failPermanently ends the run without consuming further attempts.
func (o *RunOrchestrator) failPermanently(ctx context.Context, runID, reason string) {
	o.publishStatus(ctx, runID, eventbus.StatusFailed, reason)
	o.closeRun(ctx, runID, eventbus.StatusFailed)
	if err := o.queue.MarkFailed(ctx, runID, o.now(), reason); err != nil && !errors.Is(err, ErrConflict) {
		o.logger.Warn("[Execute] mark run %s failed: %v", runID, err)
	}
	if o.obs != nil {
		o.obs.Metrics.RecordRunFinished(ctx, string(run.StatusFailed))
	}
	o.estimator.Forget(runID)
}

func (o *RunOrchestrator) publishStatus(ctx context.Context, runID, status, detail string) {
	o.publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(status, detail))
}

func (o *RunOrchestrator) publish(ctx context.Context, runID string, kind eventbus.Kind, payload []byte) {
	if _, err := o.bus.Publish(ctx, runID, kind, payload); err != nil {
		o.logger.Warn("[Execute] publish %s for run %s: %v", kind, runID, err)
		return
	}
	if o.obs != nil {
		o.obs.Metrics.RecordEventPublished(ctx, string(kind))
	}
}

func (o *RunOrchestrator) closeRun(ctx context.Context, runID, reason string) {
	if err := o.bus.Close(ctx, runID, reason); err != nil {
		o.logger.Warn("[Execute] close stream for run %s: %v", runID, err)
	}
}

// startLeaseRenewer extends the claim lease while the run executes. A
// failed renewal means a reconciler requeued the item, so local
// execution cancels rather than racing the new owner.
func (o *RunOrchestrator) startLeaseRenewer(ctx context.Context, runID string) func() {
	interval := o.leaseRenewInterval
	if interval <= 0 {
		interval = o.leaseTTL / 3
	}
	if interval <= 0 || runID == "" {
		return func() {}
	}

	stop := make(chan struct{})
	var stopOnce sync.Once

	async.Go(o.logger, "orchestrator.leaseRenewer", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := o.now().Add(o.leaseTTL)
				ok, err := o.queue.RenewLease(context.Background(), runID, o.ownerID, until)
				if err != nil {
					o.logger.Warn("[Lease] renew failed for run %s: %v", runID, err)
					continue
				}
				if !ok {
					o.logger.Warn("[Lease] ownership lost for run %s, cancelling local execution", runID)
					o.cancelRun(runID, errRunLeaseLost)
					return
				}
			}
		}
	})

	return func() {
		stopOnce.Do(func() {
			close(stop)
		})
	}
}

func (o *RunOrchestrator) cancelRun(runID string, cause error) {
	if runID == "" || cause == nil {
		return
	}
	o.cancelMu.RLock()
	cancel := o.cancelFuncs[runID]
	o.cancelMu.RUnlock()
	if cancel != nil {
		cancel(cause)
	}
}

// ActiveRuns reports how many runs this process is currently executing.
func (o *RunOrchestrator) ActiveRuns() int {
	o.cancelMu.RLock()
	defer o.cancelMu.RUnlock()
	return len(o.cancelFuncs)
}

func (o *RunOrchestrator) tryAcquireAdmission() (func(), bool) {
	if o.admissionSem == nil {
		return func() {}, true
	}
	select {
	case o.admissionSem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-o.admissionSem
			})
		}, true
	default:
		return nil, false
	}
}
