package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runway/internal/async"
	"runway/internal/domain/callback"
	"runway/internal/domain/run"
	"runway/internal/domain/worker"
	"runway/internal/eventbus"
	"runway/internal/observability"
	"runway/internal/shared/logging"
)

const (
	defaultSweepLimit       = 100
	defaultStaleSyncAfter   = 15 * time.Minute
	defaultHumanLoopTimeout = 30 * time.Minute
	metricsScanLimit        = 500
)

// StaleClaimsResult reports one stale-claim sweep.
type StaleClaimsResult struct {
	Total   int `json:"total"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// StaleSyncsResult reports one stale-sync sweep.
type StaleSyncsResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// HumanLoopTimeoutsResult reports one human-loop timeout sweep.
type HumanLoopTimeoutsResult struct {
	Pending    int `json:"pending"`
	Expired    int `json:"expired"`
	FailedRuns int `json:"failedRuns"`
}

// SystemMetrics is the reconciler's health snapshot.
type SystemMetrics struct {
	QueueDepth        map[run.Status]int   `json:"queueDepth"`
	ExpiredClaims     int                  `json:"expiredClaims"`
	PendingHumanLoops int                  `json:"pendingHumanLoops"`
	WorkerStates      map[worker.State]int `json:"workerStates"`
	StaleSyncs        int                  `json:"staleSyncs"`
	Alerts            []string             `json:"alerts"`
}

// Reconciler repairs drift: runs whose claimer died, workspaces that have
// not synced, and human-loop questions nobody answered. Sweeps convert
// per-item failures to counters and keep going.
type Reconciler struct {
	queue     run.Queue
	callbacks callback.Store
	workers   worker.Store
	lifecycle *WorkerLifecycle
	docker    worker.DockerClient
	bus       *eventbus.Bus
	obs       *observability.Observability
	logger    logging.Logger

	retryDelay       time.Duration
	staleSyncAfter   time.Duration
	humanLoopTimeout time.Duration
	sweepLimit       int

	// Loop intervals; zero disables the loop.
	claimsEvery    time.Duration
	syncsEvery     time.Duration
	humanLoopEvery time.Duration

	now func() time.Time
}

// NewReconciler creates a reconciler over the queue, callback state and
// worker stores.
func NewReconciler(queue run.Queue, callbacks callback.Store, workers worker.Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		queue:            queue,
		callbacks:        callbacks,
		workers:          workers,
		logger:           logging.NewComponentLogger("Reconciler"),
		retryDelay:       defaultRunRetryDelay,
		staleSyncAfter:   defaultStaleSyncAfter,
		humanLoopTimeout: defaultHumanLoopTimeout,
		sweepLimit:       defaultSweepLimit,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ReconcilerOption configures optional behavior.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLifecycle wires the worker lifecycle used for stale-sync
// repair.
func WithReconcilerLifecycle(lifecycle *WorkerLifecycle) ReconcilerOption {
	return func(r *Reconciler) {
		r.lifecycle = lifecycle
	}
}

// WithReconcilerDocker wires the container runtime for liveness checks.
func WithReconcilerDocker(docker worker.DockerClient) ReconcilerOption {
	return func(r *Reconciler) {
		r.docker = docker
	}
}

// WithReconcilerBus wires the event bus so failed runs close their streams.
func WithReconcilerBus(bus *eventbus.Bus) ReconcilerOption {
	return func(r *Reconciler) {
		r.bus = bus
	}
}

// WithReconcilerObservability wires metrics.
func WithReconcilerObservability(obs *observability.Observability) ReconcilerOption {
	return func(r *Reconciler) {
		r.obs = obs
	}
}

// WithReconcilerLogger replaces the component logger.
func WithReconcilerLogger(logger logging.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logging.OrNop(logger)
	}
}

// WithReconcilerDefaults overrides the sweep parameters used by the
// background loops and the metrics snapshot.
func WithReconcilerDefaults(retryDelay, staleSyncAfter, humanLoopTimeout time.Duration, sweepLimit int) ReconcilerOption {
	return func(r *Reconciler) {
		if retryDelay > 0 {
			r.retryDelay = retryDelay
		}
		if staleSyncAfter > 0 {
			r.staleSyncAfter = staleSyncAfter
		}
		if humanLoopTimeout > 0 {
			r.humanLoopTimeout = humanLoopTimeout
		}
		if sweepLimit > 0 {
			r.sweepLimit = sweepLimit
		}
	}
}

// WithReconcilerIntervals enables background sweep loops. A zero interval
// leaves that loop off.
func WithReconcilerIntervals(claims, syncs, humanLoops time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.claimsEvery = claims
		r.syncsEvery = syncs
		r.humanLoopEvery = humanLoops
	}
}

// WithReconcilerClock injects a clock for tests.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// StartLoops launches the enabled background sweeps. Loops stop when ctx
// is canceled.
func (r *Reconciler) StartLoops(ctx context.Context) {
	if r.claimsEvery > 0 {
		async.Loop(ctx, r.logger, "reconciler.staleClaims", r.claimsEvery, func(tickCtx context.Context) {
			if _, err := r.ReconcileStaleClaims(tickCtx, r.sweepLimit, r.retryDelay); err != nil {
				r.logger.Error("[StaleClaims] sweep: %v", err)
			}
		})
	}
	if r.syncsEvery > 0 {
		async.Loop(ctx, r.logger, "reconciler.staleSyncs", r.syncsEvery, func(tickCtx context.Context) {
			if _, err := r.ReconcileStaleSyncs(tickCtx, r.staleSyncAfter, r.sweepLimit); err != nil {
				r.logger.Error("[StaleSyncs] sweep: %v", err)
			}
		})
	}
	if r.humanLoopEvery > 0 {
		async.Loop(ctx, r.logger, "reconciler.humanLoopTimeouts", r.humanLoopEvery, func(tickCtx context.Context) {
			if _, err := r.ReconcileHumanLoopTimeouts(tickCtx, r.humanLoopTimeout, r.sweepLimit); err != nil {
				r.logger.Error("[HumanLoop] sweep: %v", err)
			}
		})
	}
}

// ReconcileStaleClaims requeues or fails claimed runs whose lease
// expired. Each item either returns to the queue for another attempt or
// fails permanently when attempts ran out.
func (r *Reconciler) ReconcileStaleClaims(ctx context.Context, limit int, retryDelay time.Duration) (*StaleClaimsResult, error) {
	if r == nil || r.queue == nil {
		return nil, UnavailableError("reconciler not initialized")
	}
	ctx, span := r.tracer().StartSpan(ctx, observability.SpanReconcileSweep)
	defer span.End()
	if limit <= 0 {
		limit = r.sweepLimit
	}
	if retryDelay < 0 {
		retryDelay = r.retryDelay
	}

	now := r.now()
	items, err := r.queue.ListExpiredClaims(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired claims: %w", err)
	}

	res := &StaleClaimsResult{Total: len(items)}
	for _, item := range items {
		outcome, err := r.queue.MarkRetryOrFailed(ctx, item.RunID, now, retryDelay, "reconciler_stale_claim_timeout")
		if err != nil {
			// Raced with a renewal or a terminal transition.
			r.logger.Warn("[StaleClaims] run %s: %v", item.RunID, err)
			continue
		}
		switch outcome.Status {
		case run.StatusQueued:
			res.Retried++
			r.recordOutcome(ctx, "stale_claims", "retried")
			r.logger.Info("[StaleClaims] run %s requeued (attempt %d/%d)", item.RunID, outcome.Attempts, outcome.MaxAttempts)
		case run.StatusFailed:
			res.Failed++
			r.recordOutcome(ctx, "stale_claims", "failed")
			r.closeFailedRun(ctx, item.RunID, "reconciler_stale_claim_timeout")
			r.logger.Warn("[StaleClaims] run %s failed after %d attempts", item.RunID, outcome.Attempts)
		}
	}
	return res, nil
}

// ReconcileStaleSyncs refreshes workspaces whose last sync is older than
// staleAfter (or never happened). Workers whose container is gone are
// skipped; removal belongs to the lifecycle sweeps.
func (r *Reconciler) ReconcileStaleSyncs(ctx context.Context, staleAfter time.Duration, limit int) (*StaleSyncsResult, error) {
	if r == nil || r.workers == nil {
		return nil, UnavailableError("reconciler not initialized")
	}
	if r.lifecycle == nil {
		return nil, UnavailableError("worker lifecycle not configured")
	}
	ctx, span := r.tracer().StartSpan(ctx, observability.SpanReconcileSweep)
	defer span.End()
	if limit <= 0 {
		limit = r.sweepLimit
	}
	if staleAfter <= 0 {
		staleAfter = r.staleSyncAfter
	}

	cutoff := r.now().Add(-staleAfter)
	workers, err := r.workers.ListStaleSyncs(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale syncs: %w", err)
	}

	res := &StaleSyncsResult{Total: len(workers)}
	for _, w := range workers {
		if r.docker != nil {
			alive, err := r.docker.Exists(ctx, w.ContainerID)
			if err != nil {
				res.Failed++
				r.recordOutcome(ctx, "stale_syncs", "failed")
				r.logger.Warn("[StaleSyncs] inspect container %s: %v", w.ContainerID, err)
				continue
			}
			if !alive {
				res.Skipped++
				r.recordOutcome(ctx, "stale_syncs", "skipped")
				continue
			}
		}

		err := r.lifecycle.SyncWorkspace(ctx, w.SessionID, worker.ReasonReconciler, "")
		switch {
		case err == nil:
			res.Succeeded++
			r.recordOutcome(ctx, "stale_syncs", "succeeded")
		case errors.Is(err, ErrConflict):
			res.Skipped++
			r.recordOutcome(ctx, "stale_syncs", "skipped")
		default:
			res.Failed++
			r.recordOutcome(ctx, "stale_syncs", "failed")
			r.logger.Warn("[StaleSyncs] session %s: %v", w.SessionID, err)
		}
	}
	return res, nil
}

// ReconcileHumanLoopTimeouts expires pending questions older than timeout
// and fails their runs. Pending reports how many questions the sweep
// examined.
func (r *Reconciler) ReconcileHumanLoopTimeouts(ctx context.Context, timeout time.Duration, limit int) (*HumanLoopTimeoutsResult, error) {
	if r == nil || r.callbacks == nil || r.queue == nil {
		return nil, UnavailableError("reconciler not initialized")
	}
	ctx, span := r.tracer().StartSpan(ctx, observability.SpanReconcileSweep)
	defer span.End()
	if limit <= 0 {
		limit = r.sweepLimit
	}
	if timeout <= 0 {
		timeout = r.humanLoopTimeout
	}

	now := r.now()
	cutoff := now.Add(-timeout)
	pending, err := r.callbacks.ListPendingHumanLoops(ctx, "", limit)
	if err != nil {
		return nil, fmt.Errorf("list pending human-loops: %w", err)
	}

	res := &HumanLoopTimeoutsResult{Pending: len(pending)}
	for _, req := range pending {
		if req.RequestedAt.After(cutoff) {
			continue
		}
		changed, err := r.callbacks.ExpireHumanLoop(ctx, req.QuestionID, now)
		if err != nil {
			r.logger.Warn("[HumanLoop] expire question %s: %v", req.QuestionID, err)
			continue
		}
		if !changed {
			continue
		}
		res.Expired++
		r.recordOutcome(ctx, "human_loop", "expired")
		r.logger.Warn("[HumanLoop] question %s on run %s expired after %s", req.QuestionID, req.RunID, timeout)

		if err := r.queue.MarkFailed(ctx, req.RunID, now, "human_loop_timeout"); err != nil {
			if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
				r.logger.Warn("[HumanLoop] fail run %s: %v", req.RunID, err)
			}
		} else {
			res.FailedRuns++
		}
		r.closeFailedRun(ctx, req.RunID, "human_loop_timeout")
	}
	return res, nil
}

// Metrics snapshots queue, human-loop and worker health plus a bounded
// alert list.
func (r *Reconciler) Metrics(ctx context.Context, alertLimit int) (*SystemMetrics, error) {
	if r == nil || r.queue == nil {
		return nil, UnavailableError("reconciler not initialized")
	}
	now := r.now()

	depth, err := r.queue.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queue depth: %w", err)
	}
	expired, err := r.queue.ListExpiredClaims(ctx, now, metricsScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list expired claims: %w", err)
	}

	snapshot := &SystemMetrics{
		QueueDepth:    depth,
		ExpiredClaims: len(expired),
		Alerts:        []string{},
	}

	if r.callbacks != nil {
		pending, err := r.callbacks.ListPendingHumanLoops(ctx, "", metricsScanLimit)
		if err != nil {
			return nil, fmt.Errorf("list pending human-loops: %w", err)
		}
		snapshot.PendingHumanLoops = len(pending)
	}
	if r.workers != nil {
		states, err := r.workers.CountByState(ctx)
		if err != nil {
			return nil, fmt.Errorf("count worker states: %w", err)
		}
		snapshot.WorkerStates = states

		stale, err := r.workers.ListStaleSyncs(ctx, now.Add(-r.staleSyncAfter), metricsScanLimit)
		if err != nil {
			return nil, fmt.Errorf("list stale syncs: %w", err)
		}
		snapshot.StaleSyncs = len(stale)
	}

	snapshot.Alerts = r.buildAlerts(snapshot, alertLimit)
	return snapshot, nil
}

func (r *Reconciler) buildAlerts(m *SystemMetrics, alertLimit int) []string {
	alerts := []string{}
	add := func(format string, args ...any) {
		if alertLimit <= 0 || len(alerts) < alertLimit {
			alerts = append(alerts, fmt.Sprintf(format, args...))
		}
	}
	if m.ExpiredClaims > 0 {
		add("%d claimed runs hold expired leases", m.ExpiredClaims)
	}
	if n := m.QueueDepth[run.StatusFailed]; n > 0 {
		add("%d runs failed permanently", n)
	}
	if m.PendingHumanLoops > 0 {
		add("%d human-loop questions await answers", m.PendingHumanLoops)
	}
	if m.StaleSyncs > 0 {
		add("%d workers have stale workspace syncs", m.StaleSyncs)
	}
	return alerts
}

// closeFailedRun tells stream subscribers the run is over. Publishing to
// an already-closed log drops silently.
func (r *Reconciler) closeFailedRun(ctx context.Context, runID, detail string) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(ctx, runID, eventbus.KindRunStatus, eventbus.StatusPayload(eventbus.StatusFailed, detail)); err != nil {
		r.logger.Warn("[Reconcile] publish failed status for run %s: %v", runID, err)
	}
	if err := r.bus.Close(ctx, runID, eventbus.StatusFailed); err != nil {
		r.logger.Warn("[Reconcile] close stream for run %s: %v", runID, err)
	}
}

func (r *Reconciler) recordOutcome(ctx context.Context, sweep, outcome string) {
	if r.obs != nil {
		r.obs.Metrics.RecordReconcileOutcome(ctx, sweep, outcome)
	}
}

func (r *Reconciler) tracer() *observability.TracerProvider {
	if r.obs == nil {
		return nil
	}
	return r.obs.Tracer
}
