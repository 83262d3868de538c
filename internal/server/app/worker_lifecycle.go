package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"runway/internal/domain/worker"
	"runway/internal/observability"
	"runway/internal/shared/logging"
	id "runway/internal/utils/id"
)

const (
	defaultWorkerImage         = "runway-worker:latest"
	defaultContainerStopWithin = 30 * time.Second
)

// Workspace sync scope. Agent scratch dirs never leave the container.
var (
	syncIncludePaths = []string{"/workspace/**", "/workspace/.agent_data/**"}
	syncExcludePaths = []string{"/workspace/.codex/**", "/workspace/.claude/**", "/workspace/.opencode/**"}
)

// Activation actions.
const (
	ActivationCreated   = "created"
	ActivationStarted   = "started"
	ActivationRefreshed = "refreshed"
)

// ActivateRequest asks for a live sandbox for a session.
type ActivateRequest struct {
	SessionID      string `json:"sessionId"`
	AppID          string `json:"appId,omitempty"`
	ProjectName    string `json:"projectName,omitempty"`
	UserLoginName  string `json:"userLoginName,omitempty"`
	RuntimeVersion string `json:"runtimeVersion,omitempty"`
	// Manifest is an s3:// reference or inline JSON restore plan applied
	// when the container is created.
	Manifest string `json:"manifest,omitempty"`
}

// ActivationResult reports how the session got its sandbox.
type ActivationResult struct {
	Action string                `json:"action"`
	Worker *worker.SessionWorker `json:"worker"`
}

// BatchResult summarizes one cleanup sweep over workers.
type BatchResult struct {
	Total   int `json:"total"`
	Stopped int `json:"stopped,omitempty"`
	Removed int `json:"removed,omitempty"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// WorkerLifecycle drives session sandboxes through
// running -> stopped -> deleted, syncing the workspace out before every
// destructive transition.
type WorkerLifecycle struct {
	store     worker.Store
	docker    worker.DockerClient
	syncer    worker.WorkspaceSyncClient
	executor  worker.ExecutorClient
	manifests worker.ManifestSource
	obs       *observability.Observability
	logger    logging.Logger

	image       string
	stopWithin  time.Duration
	now         func() time.Time
	activations singleflight.Group
}

// NewWorkerLifecycle creates a lifecycle manager over the given ports.
func NewWorkerLifecycle(store worker.Store, docker worker.DockerClient, syncer worker.WorkspaceSyncClient, executor worker.ExecutorClient, opts ...LifecycleOption) *WorkerLifecycle {
	l := &WorkerLifecycle{
		store:      store,
		docker:     docker,
		syncer:     syncer,
		executor:   executor,
		logger:     logging.NewComponentLogger("WorkerLifecycle"),
		image:      defaultWorkerImage,
		stopWithin: defaultContainerStopWithin,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// LifecycleOption configures optional behavior.
type LifecycleOption func(*WorkerLifecycle)

// WithLifecycleManifestSource wires the restore-manifest resolver.
func WithLifecycleManifestSource(src worker.ManifestSource) LifecycleOption {
	return func(l *WorkerLifecycle) {
		l.manifests = src
	}
}

// WithLifecycleLogger replaces the component logger.
func WithLifecycleLogger(logger logging.Logger) LifecycleOption {
	return func(l *WorkerLifecycle) {
		l.logger = logging.OrNop(logger)
	}
}

// WithLifecycleObservability wires metrics and tracing.
func WithLifecycleObservability(obs *observability.Observability) LifecycleOption {
	return func(l *WorkerLifecycle) {
		l.obs = obs
	}
}

// WithLifecycleImage sets the container image for new workers.
func WithLifecycleImage(image string) LifecycleOption {
	return func(l *WorkerLifecycle) {
		if image != "" {
			l.image = image
		}
	}
}

// WithLifecycleStopTimeout bounds graceful container stops.
func WithLifecycleStopTimeout(d time.Duration) LifecycleOption {
	return func(l *WorkerLifecycle) {
		if d > 0 {
			l.stopWithin = d
		}
	}
}

// WithLifecycleClock injects a clock for tests.
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(l *WorkerLifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// ActivateSession ensures a running sandbox for the session and returns
// it. Concurrent activations of one session collapse to a single
// container operation.
func (l *WorkerLifecycle) ActivateSession(ctx context.Context, req ActivateRequest) (*ActivationResult, error) {
	if l == nil || l.store == nil || l.docker == nil {
		return nil, UnavailableError("worker lifecycle not initialized")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return nil, ValidationError("session id is required")
	}

	v, err, _ := l.activations.Do(req.SessionID, func() (any, error) {
		return l.activateOne(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ActivationResult), nil
}

func (l *WorkerLifecycle) activateOne(ctx context.Context, req ActivateRequest) (*ActivationResult, error) {
	ctx, span := l.tracer().StartSpan(ctx, observability.SpanWorkerActivate, observability.SessionAttrs(req.SessionID)...)
	defer span.End()

	existing, ok, err := l.store.Get(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load worker for session %s: %w", req.SessionID, err)
	}

	if ok && existing.State != worker.StateDeleted {
		alive, err := l.docker.Exists(ctx, existing.ContainerID)
		if err != nil {
			return nil, fmt.Errorf("inspect container %s: %w", existing.ContainerID, err)
		}
		if alive {
			switch existing.State {
			case worker.StateRunning:
				return l.refreshWorker(ctx, existing)
			case worker.StateStopped:
				return l.restartWorker(ctx, existing)
			}
		}
		l.logger.Warn("[Activate] session %s container %s gone, recreating", req.SessionID, existing.ContainerID)
	}

	return l.createWorker(ctx, req, existing)
}

func (l *WorkerLifecycle) refreshWorker(ctx context.Context, w *worker.SessionWorker) (*ActivationResult, error) {
	now := l.now()
	w.LastActiveAt = now
	w.UpdatedAt = now
	if err := l.store.Save(ctx, w); err != nil {
		return nil, fmt.Errorf("save worker for session %s: %w", w.SessionID, err)
	}
	return &ActivationResult{Action: ActivationRefreshed, Worker: w}, nil
}

func (l *WorkerLifecycle) restartWorker(ctx context.Context, w *worker.SessionWorker) (*ActivationResult, error) {
	if err := l.docker.Start(ctx, w.ContainerID); err != nil {
		return nil, fmt.Errorf("start container %s: %w", w.ContainerID, err)
	}
	now := l.now()
	w.State = worker.StateRunning
	w.StoppedAt = nil
	w.LastActiveAt = now
	w.UpdatedAt = now
	if err := l.store.Save(ctx, w); err != nil {
		return nil, fmt.Errorf("save worker for session %s: %w", w.SessionID, err)
	}
	l.logger.Info("[Activate] session %s container %s restarted", w.SessionID, w.ContainerID)
	return &ActivationResult{Action: ActivationStarted, Worker: w}, nil
}

func (l *WorkerLifecycle) createWorker(ctx context.Context, req ActivateRequest, prior *worker.SessionWorker) (*ActivationResult, error) {
	spec := worker.CreateSpec{
		SessionID:      req.SessionID,
		AppID:          req.AppID,
		ProjectName:    req.ProjectName,
		UserLoginName:  req.UserLoginName,
		RuntimeVersion: req.RuntimeVersion,
		Image:          l.image,
		Labels:         map[string]string{"runway.session_id": req.SessionID},
	}
	containerID, err := l.docker.CreateWorker(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create container for session %s: %w", req.SessionID, err)
	}
	if err := l.docker.Start(ctx, containerID); err != nil {
		l.discardContainer(containerID)
		return nil, fmt.Errorf("start container %s: %w", containerID, err)
	}

	now := l.now()
	w := &worker.SessionWorker{
		SessionID:      req.SessionID,
		ContainerID:    containerID,
		State:          worker.StateRunning,
		AppID:          req.AppID,
		UserLoginName:  req.UserLoginName,
		RuntimeVersion: req.RuntimeVersion,
		LastActiveAt:   now,
		LastSyncStatus: worker.SyncNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if prior != nil {
		w.CreatedAt = prior.CreatedAt
		w.WorkspaceS3Prefix = prior.WorkspaceS3Prefix
	}

	if req.Manifest != "" {
		if err := l.restoreWorkspace(ctx, w, req.Manifest); err != nil {
			l.discardContainer(containerID)
			return nil, err
		}
	}

	if err := l.store.Save(ctx, w); err != nil {
		l.discardContainer(containerID)
		return nil, fmt.Errorf("save worker for session %s: %w", req.SessionID, err)
	}
	l.logger.Info("[Activate] session %s container %s created", req.SessionID, containerID)
	return &ActivationResult{Action: ActivationCreated, Worker: w}, nil
}

// restoreWorkspace applies the manifest's restore plan: materialize
// files, link shared agent data, then verify required paths exist.
func (l *WorkerLifecycle) restoreWorkspace(ctx context.Context, w *worker.SessionWorker, manifestRef string) error {
	if l.manifests == nil {
		return UnavailableError("manifest source not configured")
	}
	if l.executor == nil {
		return UnavailableError("executor client not configured")
	}
	plan, err := l.manifests.FetchManifest(ctx, manifestRef)
	if err != nil {
		return fmt.Errorf("fetch restore manifest for session %s: %w", w.SessionID, err)
	}
	if plan.WorkspaceS3Prefix != "" {
		w.WorkspaceS3Prefix = plan.WorkspaceS3Prefix
	}

	trace := l.newTrace(ctx, w.SessionID, w.ContainerID, "", "workspace.restore")
	if err := l.executor.RestoreWorkspace(ctx, w.ContainerID, *plan, trace); err != nil {
		return fmt.Errorf("restore workspace for session %s: %w", w.SessionID, err)
	}
	if len(plan.AgentData) > 0 {
		trace := l.newTrace(ctx, w.SessionID, w.ContainerID, "", "workspace.link_agent_data")
		if err := l.executor.LinkAgentData(ctx, w.ContainerID, plan.AgentData, trace); err != nil {
			return fmt.Errorf("link agent data for session %s: %w", w.SessionID, err)
		}
	}
	if len(plan.RequiredPaths) > 0 {
		trace := l.newTrace(ctx, w.SessionID, w.ContainerID, "", "workspace.validate")
		missing, err := l.executor.ValidateWorkspace(ctx, w.ContainerID, plan.RequiredPaths, trace)
		if err != nil {
			return fmt.Errorf("validate workspace for session %s: %w", w.SessionID, err)
		}
		if len(missing) > 0 {
			return ValidationError(fmt.Sprintf("workspace for session %s missing required paths: %s", w.SessionID, strings.Join(missing, ", ")))
		}
	}
	return nil
}

// discardContainer force-removes a container that failed mid-activation.
func (l *WorkerLifecycle) discardContainer(containerID string) {
	cleanup, cancel := context.WithTimeout(context.Background(), l.stopWithin)
	defer cancel()
	if err := l.docker.Remove(cleanup, containerID, true); err != nil {
		l.logger.Warn("[Activate] remove failed container %s: %v", containerID, err)
	}
}

// SyncWorkspace pushes the session's workspace out through the sync
// sidecar. Per session at most one sync runs at a time; a second caller
// gets a conflict error.
func (l *WorkerLifecycle) SyncWorkspace(ctx context.Context, sessionID, reason, runID string) error {
	if l == nil || l.store == nil || l.syncer == nil {
		return UnavailableError("worker lifecycle not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ValidationError("session id is required")
	}
	if reason == "" {
		reason = worker.ReasonManual
	}

	ctx, span := l.tracer().StartSpan(ctx, observability.SpanWorkerSync, observability.SessionAttrs(sessionID)...)
	defer span.End()

	w, ok, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load worker for session %s: %w", sessionID, err)
	}
	if !ok || w.State == worker.StateDeleted {
		return NotFoundError(fmt.Sprintf("no worker for session %s", sessionID))
	}

	began, err := l.store.BeginSync(ctx, sessionID, l.now())
	if err != nil {
		return fmt.Errorf("begin sync for session %s: %w", sessionID, err)
	}
	if !began {
		return ConflictError(fmt.Sprintf("sync already running for session %s", sessionID))
	}

	syncErr := l.syncer.SyncWorkspace(ctx, worker.SyncRequest{
		SessionID:         sessionID,
		ContainerID:       w.ContainerID,
		WorkspaceS3Prefix: w.WorkspaceS3Prefix,
		Include:           syncIncludePaths,
		Exclude:           syncExcludePaths,
		Reason:            reason,
		Trace:             l.newTrace(ctx, sessionID, w.ContainerID, runID, "workspace.sync"),
	})

	outcome := string(worker.SyncSuccess)
	message := ""
	if syncErr != nil {
		outcome = string(worker.SyncFailed)
		message = syncErr.Error()
	}
	if err := l.store.FinishSync(ctx, sessionID, l.now(), message); err != nil {
		l.logger.Error("[Sync] record sync outcome for session %s: %v", sessionID, err)
	}
	l.recordSync(ctx, reason, outcome)

	if syncErr != nil {
		l.logger.Warn("[Sync] session %s (%s) failed: %v", sessionID, reason, syncErr)
		return fmt.Errorf("sync workspace for session %s: %w", sessionID, syncErr)
	}
	l.logger.Info("[Sync] session %s (%s) ok", sessionID, reason)
	return nil
}

// StopIdleWorkers stops running workers idle past idleTimeout. The
// workspace is synced before each stop; per-item failures are counted
// and the sweep continues.
func (l *WorkerLifecycle) StopIdleWorkers(ctx context.Context, idleTimeout time.Duration, limit int) (*BatchResult, error) {
	if l == nil || l.store == nil || l.docker == nil {
		return nil, UnavailableError("worker lifecycle not initialized")
	}
	cutoff := l.now().Add(-idleTimeout)
	workers, err := l.store.ListIdleRunning(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list idle workers: %w", err)
	}

	res := &BatchResult{Total: len(workers)}
	for _, w := range workers {
		switch l.stopOne(ctx, w) {
		case worker.StateStopped:
			res.Stopped++
		case worker.StateDeleted:
			res.Deleted++
		default:
			res.Failed++
		}
	}
	if res.Total > 0 {
		l.logger.Info("[StopIdle] total=%d stopped=%d deleted=%d failed=%d", res.Total, res.Stopped, res.Deleted, res.Failed)
	}
	return res, nil
}

// stopOne returns the state the worker landed in, or "" on failure.
func (l *WorkerLifecycle) stopOne(ctx context.Context, w *worker.SessionWorker) worker.State {
	alive, err := l.docker.Exists(ctx, w.ContainerID)
	if err != nil {
		l.logger.Warn("[StopIdle] inspect container %s: %v", w.ContainerID, err)
		return ""
	}
	if !alive {
		if err := l.markDeleted(ctx, w); err != nil {
			l.logger.Warn("[StopIdle] mark session %s deleted: %v", w.SessionID, err)
			return ""
		}
		return worker.StateDeleted
	}

	// Sync first; a failed or already-running sync is recorded but never
	// blocks the stop.
	if err := l.SyncWorkspace(ctx, w.SessionID, worker.ReasonPreStop, ""); err != nil && !errors.Is(err, ErrConflict) {
		l.logger.Warn("[StopIdle] pre-stop sync for session %s: %v", w.SessionID, err)
	}

	if err := l.docker.Stop(ctx, w.ContainerID, l.stopWithin); err != nil {
		l.logger.Warn("[StopIdle] stop container %s: %v", w.ContainerID, err)
		return ""
	}
	now := l.now()
	w.State = worker.StateStopped
	w.StoppedAt = &now
	w.UpdatedAt = now
	if err := l.store.Save(ctx, w); err != nil {
		l.logger.Warn("[StopIdle] save session %s: %v", w.SessionID, err)
		return ""
	}
	return worker.StateStopped
}

// RemoveLongStoppedWorkers removes containers stopped longer than
// removeAfter and marks their workers deleted.
func (l *WorkerLifecycle) RemoveLongStoppedWorkers(ctx context.Context, removeAfter time.Duration, limit int) (*BatchResult, error) {
	if l == nil || l.store == nil || l.docker == nil {
		return nil, UnavailableError("worker lifecycle not initialized")
	}
	cutoff := l.now().Add(-removeAfter)
	workers, err := l.store.ListLongStopped(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stopped workers: %w", err)
	}

	res := &BatchResult{Total: len(workers)}
	for _, w := range workers {
		removed, err := l.removeOne(ctx, w)
		if err != nil {
			l.logger.Warn("[RemoveStopped] session %s: %v", w.SessionID, err)
			res.Failed++
			continue
		}
		if removed {
			res.Removed++
		} else {
			res.Deleted++
		}
	}
	if res.Total > 0 {
		l.logger.Info("[RemoveStopped] total=%d removed=%d deleted=%d failed=%d", res.Total, res.Removed, res.Deleted, res.Failed)
	}
	return res, nil
}

// removeOne reports whether a container was actually removed (false when
// it was already gone).
func (l *WorkerLifecycle) removeOne(ctx context.Context, w *worker.SessionWorker) (bool, error) {
	alive, err := l.docker.Exists(ctx, w.ContainerID)
	if err != nil {
		return false, fmt.Errorf("inspect container %s: %w", w.ContainerID, err)
	}
	if !alive {
		return false, l.markDeleted(ctx, w)
	}

	if err := l.SyncWorkspace(ctx, w.SessionID, worker.ReasonPreRemove, ""); err != nil && !errors.Is(err, ErrConflict) {
		l.logger.Warn("[RemoveStopped] pre-remove sync for session %s: %v", w.SessionID, err)
	}

	if err := l.docker.Remove(ctx, w.ContainerID, true); err != nil {
		return false, fmt.Errorf("remove container %s: %w", w.ContainerID, err)
	}
	if err := l.markDeleted(ctx, w); err != nil {
		return false, err
	}
	return true, nil
}

func (l *WorkerLifecycle) markDeleted(ctx context.Context, w *worker.SessionWorker) error {
	w.State = worker.StateDeleted
	w.UpdatedAt = l.now()
	if err := l.store.Save(ctx, w); err != nil {
		return fmt.Errorf("save worker for session %s: %w", w.SessionID, err)
	}
	return nil
}

// GetWorker returns the worker record for a session.
func (l *WorkerLifecycle) GetWorker(ctx context.Context, sessionID string) (*worker.SessionWorker, error) {
	if l == nil || l.store == nil {
		return nil, UnavailableError("worker lifecycle not initialized")
	}
	w, ok, err := l.store.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NotFoundError(fmt.Sprintf("no worker for session %s", sessionID))
	}
	return w, nil
}

// newTrace builds the correlation trace for one outbound call, reusing
// the sampled otel trace id when present.
func (l *WorkerLifecycle) newTrace(ctx context.Context, sessionID, containerID, runID, operation string) worker.Trace {
	traceID := observability.SampledTraceID(ctx)
	if traceID == "" {
		traceID = id.NewTraceID()
	}
	return worker.Trace{
		TraceID:     traceID,
		SessionID:   sessionID,
		ContainerID: containerID,
		RunID:       runID,
		Operation:   operation,
		Timestamp:   l.now(),
	}
}

func (l *WorkerLifecycle) tracer() *observability.TracerProvider {
	if l.obs == nil {
		return nil
	}
	return l.obs.Tracer
}

func (l *WorkerLifecycle) recordSync(ctx context.Context, reason, status string) {
	if l.obs != nil {
		l.obs.Metrics.RecordSync(ctx, reason, status)
	}
}
