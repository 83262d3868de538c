// Package worker defines the session-worker domain: one containerized
// execution sandbox per session, its lifecycle state, and the outbound
// ports (container runtime, workspace sync, in-container executor,
// restore-manifest source) the lifecycle manager drives.
package worker

import (
	"context"
	"time"
)

// State is the container lifecycle state.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateDeleted State = "deleted"
)

// SyncStatus tracks the most recent workspace sync for a session.
type SyncStatus string

const (
	SyncNone    SyncStatus = "none"
	SyncRunning SyncStatus = "running"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// Sync reasons recorded with every sync attempt.
const (
	ReasonPreStop    = "pre.stop"
	ReasonPreRemove  = "pre.remove"
	ReasonReconciler = "reconciler"
	ReasonManual     = "manual"
)

// SessionWorker is the persistent record for one session's sandbox.
type SessionWorker struct {
	SessionID         string `json:"session_id"`
	ContainerID       string `json:"container_id"`
	WorkspaceS3Prefix string `json:"workspace_s3_prefix,omitempty"`

	State State `json:"state"`

	AppID          string `json:"app_id,omitempty"`
	UserLoginName  string `json:"user_login_name,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`

	LastActiveAt time.Time  `json:"last_active_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`

	LastSyncStatus SyncStatus `json:"last_sync_status"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncError  string     `json:"last_sync_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across store boundaries.
func (w *SessionWorker) Clone() *SessionWorker {
	if w == nil {
		return nil
	}
	out := *w
	if w.StoppedAt != nil {
		t := *w.StoppedAt
		out.StoppedAt = &t
	}
	if w.LastSyncAt != nil {
		t := *w.LastSyncAt
		out.LastSyncAt = &t
	}
	return &out
}

// Store is the session-worker persistence port.
type Store interface {
	// EnsureSchema creates or migrates backend storage.
	EnsureSchema(ctx context.Context) error

	// Get loads the worker for a session, ok=false when absent.
	Get(ctx context.Context, sessionID string) (*SessionWorker, bool, error)

	// Save upserts the worker record.
	Save(ctx context.Context, w *SessionWorker) error

	// BeginSync atomically flips lastSyncStatus to running unless a sync is
	// already running for the session. Returns began=false on contention so
	// two syncs never overlap per session.
	BeginSync(ctx context.Context, sessionID string, at time.Time) (began bool, err error)

	// FinishSync records the outcome of the in-flight sync. Empty syncErr
	// means success.
	FinishSync(ctx context.Context, sessionID string, at time.Time, syncErr string) error

	// ListIdleRunning returns running workers with lastActiveAt <= cutoff,
	// oldest first, capped by limit.
	ListIdleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error)

	// ListLongStopped returns stopped workers with stoppedAt <= cutoff,
	// oldest first, capped by limit.
	ListLongStopped(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error)

	// ListStaleSyncs returns non-deleted workers whose lastSyncAt is nil or
	// <= cutoff, oldest first, capped by limit.
	ListStaleSyncs(ctx context.Context, cutoff time.Time, limit int) ([]*SessionWorker, error)

	// CountByState returns worker counts per state.
	CountByState(ctx context.Context) (map[State]int, error)
}

// Trace identifies one outbound container operation for correlation.
type Trace struct {
	TraceID     string    `json:"trace_id"`
	SessionID   string    `json:"session_id"`
	ContainerID string    `json:"container_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Operation   string    `json:"operation"`
	Timestamp   time.Time `json:"timestamp"`
}

// CreateSpec describes the container to provision for a session.
type CreateSpec struct {
	SessionID      string            `json:"session_id"`
	AppID          string            `json:"app_id,omitempty"`
	ProjectName    string            `json:"project_name,omitempty"`
	UserLoginName  string            `json:"user_login_name,omitempty"`
	RuntimeVersion string            `json:"runtime_version,omitempty"`
	Image          string            `json:"image,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// DockerClient is the container-runtime port.
type DockerClient interface {
	// CreateWorker provisions a container and returns its id.
	CreateWorker(ctx context.Context, spec CreateSpec) (containerID string, err error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, containerID string) error

	// Stop stops a running container within timeout.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes the container; force removes running containers.
	Remove(ctx context.Context, containerID string, force bool) error

	// Exists reports whether the container is known to the runtime.
	Exists(ctx context.Context, containerID string) (bool, error)
}

// SyncRequest drives one workspace sync through the sync sidecar.
type SyncRequest struct {
	SessionID         string   `json:"session_id"`
	ContainerID       string   `json:"container_id"`
	WorkspaceS3Prefix string   `json:"workspace_s3_prefix"`
	Include           []string `json:"include"`
	Exclude           []string `json:"exclude"`
	Reason            string   `json:"reason"`
	Trace             Trace    `json:"trace"`
}

// WorkspaceSyncClient is the workspace-sync port (sidecar HTTP API).
type WorkspaceSyncClient interface {
	SyncWorkspace(ctx context.Context, req SyncRequest) error
}

// RestoreFile maps one object into the container workspace.
type RestoreFile struct {
	Path   string `json:"path"`
	Source string `json:"source"`
}

// AgentDataLink symlinks shared agent data into the workspace.
type AgentDataLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// RestorePlan is the parsed restore manifest applied on activation.
type RestorePlan struct {
	WorkspaceS3Prefix string          `json:"workspace_s3_prefix,omitempty"`
	Files             []RestoreFile   `json:"files,omitempty"`
	AgentData         []AgentDataLink `json:"agent_data,omitempty"`
	RequiredPaths     []string        `json:"required_paths,omitempty"`
}

// ExecutorClient is the in-container executor port (worker HTTP API).
type ExecutorClient interface {
	// RestoreWorkspace materializes the plan's files inside the container.
	RestoreWorkspace(ctx context.Context, containerID string, plan RestorePlan, trace Trace) error

	// LinkAgentData wires shared agent data into the workspace.
	LinkAgentData(ctx context.Context, containerID string, links []AgentDataLink, trace Trace) error

	// ValidateWorkspace checks required paths; returns the missing ones.
	ValidateWorkspace(ctx context.Context, containerID string, requiredPaths []string, trace Trace) (missing []string, err error)

	// ExecuteWorkspaceCommand runs a command inside the workspace.
	ExecuteWorkspaceCommand(ctx context.Context, containerID string, command []string, trace Trace) (output string, err error)
}

// ManifestSource resolves restore-manifest references (s3:// or inline).
type ManifestSource interface {
	FetchManifest(ctx context.Context, ref string) (*RestorePlan, error)
}
