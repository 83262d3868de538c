package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"runway/internal/domain/worker"
	"runway/internal/store/memory"
)

func newTestLifecycle(t *testing.T, opts ...LifecycleOption) (*WorkerLifecycle, *memory.WorkerStore, *fakeDocker, *fakeSyncer, *fakeExecutor) {
	t.Helper()
	store := memory.NewWorkerStore()
	docker := newFakeDocker()
	syncer := &fakeSyncer{}
	executor := &fakeExecutor{}
	lc := NewWorkerLifecycle(store, docker, syncer, executor, opts...)
	return lc, store, docker, syncer, executor
}

func TestActivateStopRemoveTrace(t *testing.T) {
	lc, store, docker, syncer, _ := newTestLifecycle(t)

	res, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w1"})
	if err != nil {
		t.Fatalf("ActivateSession failed: %v", err)
	}
	if res.Action != ActivationCreated {
		t.Errorf("Expected created, got %s", res.Action)
	}
	containerID := res.Worker.ContainerID
	if containerID == "" {
		t.Fatal("Expected a container id")
	}

	// Re-activating a running worker only refreshes the record.
	res, err = lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w1"})
	if err != nil {
		t.Fatalf("Second activate failed: %v", err)
	}
	if res.Action != ActivationRefreshed || res.Worker.ContainerID != containerID {
		t.Errorf("Expected refreshed on %s, got %s on %s", containerID, res.Action, res.Worker.ContainerID)
	}

	batch, err := lc.StopIdleWorkers(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StopIdleWorkers failed: %v", err)
	}
	if batch.Total != 1 || batch.Stopped != 1 {
		t.Fatalf("Expected 1 stop, got %+v", batch)
	}

	w, _, err := store.Get(context.Background(), "sess-w1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if w.State != worker.StateStopped || w.StoppedAt == nil {
		t.Errorf("Expected stopped with stoppedAt, got %s %v", w.State, w.StoppedAt)
	}

	// Re-activating a stopped worker restarts the same container.
	res, err = lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w1"})
	if err != nil {
		t.Fatalf("Activate after stop failed: %v", err)
	}
	if res.Action != ActivationStarted {
		t.Errorf("Expected started, got %s", res.Action)
	}
	if res.Worker.ContainerID != containerID {
		t.Errorf("Expected container reuse, got %s instead of %s", res.Worker.ContainerID, containerID)
	}
	if res.Worker.StoppedAt != nil {
		t.Error("Expected stoppedAt cleared on restart")
	}

	if _, err = lc.StopIdleWorkers(context.Background(), 0, 10); err != nil {
		t.Fatalf("StopIdleWorkers failed: %v", err)
	}
	batch, err = lc.RemoveLongStoppedWorkers(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("RemoveLongStoppedWorkers failed: %v", err)
	}
	if batch.Total != 1 || batch.Removed != 1 {
		t.Fatalf("Expected 1 removal, got %+v", batch)
	}

	w, _, _ = store.Get(context.Background(), "sess-w1")
	if w.State != worker.StateDeleted {
		t.Errorf("Expected deleted, got %s", w.State)
	}

	wantCalls := []string{
		"create " + containerID,
		"start " + containerID,
		"stop " + containerID,
		"start " + containerID,
		"stop " + containerID,
		"remove " + containerID,
	}
	if got := docker.trace(); !equalStrings(got, wantCalls) {
		t.Errorf("Docker call trace mismatch:\n got %v\nwant %v", got, wantCalls)
	}

	// Every stop and the removal were preceded by a sync attempt.
	wantReasons := []string{worker.ReasonPreStop, worker.ReasonPreStop, worker.ReasonPreRemove}
	if got := syncer.reasons(); !equalStrings(got, wantReasons) {
		t.Errorf("Sync reasons mismatch: got %v want %v", got, wantReasons)
	}
}

func TestActivateRestoresWorkspace(t *testing.T) {
	manifests := &fakeManifests{plans: map[string]*worker.RestorePlan{
		"s3://bucket/manifest.json": {
			WorkspaceS3Prefix: "s3://bucket/sessions/sess-w2",
			Files:             []worker.RestoreFile{{Path: "/workspace/main.go", Source: "s3://bucket/blobs/abc"}},
			AgentData:         []worker.AgentDataLink{{Source: "/data/shared", Target: "/workspace/.agent_data/shared"}},
			RequiredPaths:     []string{"/workspace/main.go"},
		},
	}}
	lc, store, _, _, executor := newTestLifecycle(t, WithLifecycleManifestSource(manifests))

	res, err := lc.ActivateSession(context.Background(), ActivateRequest{
		SessionID: "sess-w2",
		Manifest:  "s3://bucket/manifest.json",
	})
	if err != nil {
		t.Fatalf("ActivateSession failed: %v", err)
	}
	if res.Worker.WorkspaceS3Prefix != "s3://bucket/sessions/sess-w2" {
		t.Errorf("Expected prefix from the plan, got %q", res.Worker.WorkspaceS3Prefix)
	}

	if got := executor.operations(); !equalStrings(got, []string{"restore", "link", "validate"}) {
		t.Errorf("Expected restore->link->validate, got %v", got)
	}
	for _, tr := range executor.traces() {
		if tr.TraceID == "" || tr.SessionID != "sess-w2" {
			t.Errorf("Trace missing correlation fields: %+v", tr)
		}
	}

	if _, ok, _ := store.Get(context.Background(), "sess-w2"); !ok {
		t.Error("Expected the worker record to be saved")
	}
}

func TestActivateMissingRequiredPathsDiscardsContainer(t *testing.T) {
	manifests := &fakeManifests{plans: map[string]*worker.RestorePlan{
		"inline": {RequiredPaths: []string{"/workspace/app"}},
	}}
	lc, store, docker, _, executor := newTestLifecycle(t, WithLifecycleManifestSource(manifests))
	executor.missing = []string{"/workspace/app"}

	_, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w3", Manifest: "inline"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "/workspace/app") {
		t.Errorf("Expected the missing path in the error, got %v", err)
	}

	if _, ok, _ := store.Get(context.Background(), "sess-w3"); ok {
		t.Error("A failed activation must not persist a worker")
	}
	if calls := docker.trace(); calls[len(calls)-1] != "remove ctr-1" {
		t.Errorf("Expected the container discarded, trace %v", calls)
	}
}

func TestActivateStartFailureDiscardsContainer(t *testing.T) {
	lc, store, docker, _, _ := newTestLifecycle(t)
	docker.failStart = fmt.Errorf("oci runtime busy")

	_, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w4"})
	if err == nil || !strings.Contains(err.Error(), "oci runtime busy") {
		t.Fatalf("Expected the start failure surfaced, got %v", err)
	}
	if _, ok, _ := store.Get(context.Background(), "sess-w4"); ok {
		t.Error("A failed activation must not persist a worker")
	}
	if exists, _ := docker.Exists(context.Background(), "ctr-1"); exists {
		t.Error("Expected the half-started container removed")
	}
}

func TestActivateValidatesSessionID(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	if _, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "  "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestConcurrentActivationsCollapse(t *testing.T) {
	lc, _, docker, _, _ := newTestLifecycle(t)
	docker.createGate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w5"})
		}(i)
	}

	// Give every caller time to join the in-flight activation, then let
	// the single create proceed.
	time.Sleep(50 * time.Millisecond)
	close(docker.createGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Activation %d failed: %v", i, err)
		}
	}
	if got := docker.createCount(); got != 1 {
		t.Errorf("Expected exactly one container create, got %d", got)
	}
}

func TestSyncWorkspaceRecordsOutcome(t *testing.T) {
	lc, store, _, syncer, _ := newTestLifecycle(t)
	if _, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w6"}); err != nil {
		t.Fatalf("ActivateSession failed: %v", err)
	}

	if err := lc.SyncWorkspace(context.Background(), "sess-w6", "", "run-9"); err != nil {
		t.Fatalf("SyncWorkspace failed: %v", err)
	}

	w, _, _ := store.Get(context.Background(), "sess-w6")
	if w.LastSyncStatus != worker.SyncSuccess || w.LastSyncAt == nil {
		t.Errorf("Expected success recorded, got %s %v", w.LastSyncStatus, w.LastSyncAt)
	}

	req := syncer.last()
	if req.Reason != worker.ReasonManual {
		t.Errorf("Expected manual reason default, got %s", req.Reason)
	}
	if req.Trace.RunID != "run-9" || req.Trace.Operation != "workspace.sync" || req.Trace.TraceID == "" {
		t.Errorf("Trace not propagated: %+v", req.Trace)
	}
	if !equalStrings(req.Include, []string{"/workspace/**", "/workspace/.agent_data/**"}) {
		t.Errorf("Unexpected include scope %v", req.Include)
	}
	if !equalStrings(req.Exclude, []string{"/workspace/.codex/**", "/workspace/.claude/**", "/workspace/.opencode/**"}) {
		t.Errorf("Unexpected exclude scope %v", req.Exclude)
	}
}

func TestSyncWorkspaceFailureDoesNotBlockStop(t *testing.T) {
	lc, store, docker, syncer, _ := newTestLifecycle(t)
	if _, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w7"}); err != nil {
		t.Fatalf("ActivateSession failed: %v", err)
	}
	syncer.err = fmt.Errorf("s3 timeout")

	batch, err := lc.StopIdleWorkers(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StopIdleWorkers failed: %v", err)
	}
	if batch.Stopped != 1 {
		t.Fatalf("A failed sync must not block the stop, got %+v", batch)
	}

	w, _, _ := store.Get(context.Background(), "sess-w7")
	if w.State != worker.StateStopped {
		t.Errorf("Expected stopped, got %s", w.State)
	}
	if w.LastSyncStatus != worker.SyncFailed || !strings.Contains(w.LastSyncError, "s3 timeout") {
		t.Errorf("Expected the failure recorded, got %s %q", w.LastSyncStatus, w.LastSyncError)
	}
	if calls := docker.trace(); calls[len(calls)-1] != "stop ctr-1" {
		t.Errorf("Expected the container stopped, trace %v", calls)
	}
}

func TestSyncWorkspaceConflict(t *testing.T) {
	lc, store, _, syncer, _ := newTestLifecycle(t)
	if _, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w8"}); err != nil {
		t.Fatalf("ActivateSession failed: %v", err)
	}

	syncer.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- lc.SyncWorkspace(context.Background(), "sess-w8", worker.ReasonManual, "")
	}()

	// Wait for the first sync to hold the in-flight guard.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w, _, err := store.Get(context.Background(), "sess-w8")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if w.LastSyncStatus == worker.SyncRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("First sync never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := lc.SyncWorkspace(context.Background(), "sess-w8", worker.ReasonManual, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected conflict while a sync is in flight, got %v", err)
	}

	close(syncer.gate)
	if err := <-done; err != nil {
		t.Fatalf("First sync failed: %v", err)
	}

	w, _, _ := store.Get(context.Background(), "sess-w8")
	if w.LastSyncStatus != worker.SyncSuccess {
		t.Errorf("Expected success after the gate opened, got %s", w.LastSyncStatus)
	}
}

func TestSyncWorkspaceUnknownSession(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	if err := lc.SyncWorkspace(context.Background(), "sess-none", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not-found, got %v", err)
	}
}

func TestStopIdleWorkersGoneContainer(t *testing.T) {
	lc, store, docker, _, _ := newTestLifecycle(t)
	if _, err := lc.ActivateSession(context.Background(), ActivateRequest{SessionID: "sess-w9"}); err != nil {
		t.Fatalf("ActivateSession failed: %v", err)
	}

	// Container vanished behind our back.
	docker.forget("ctr-1")

	batch, err := lc.StopIdleWorkers(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StopIdleWorkers failed: %v", err)
	}
	if batch.Deleted != 1 || batch.Stopped != 0 {
		t.Fatalf("Expected the record tombstoned, got %+v", batch)
	}
	w, _, _ := store.Get(context.Background(), "sess-w9")
	if w.State != worker.StateDeleted {
		t.Errorf("Expected deleted, got %s", w.State)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- test doubles ---

type fakeDocker struct {
	mu         sync.Mutex
	calls      []string
	containers map[string]bool
	nextID     int
	failStart  error
	createGate chan struct{}
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]bool)}
}

func (d *fakeDocker) CreateWorker(ctx context.Context, spec worker.CreateSpec) (string, error) {
	if d.createGate != nil {
		<-d.createGate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("ctr-%d", d.nextID)
	d.containers[id] = false
	d.calls = append(d.calls, "create "+id)
	return id, nil
}

func (d *fakeDocker) Start(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "start "+containerID)
	if d.failStart != nil {
		return d.failStart
	}
	if _, ok := d.containers[containerID]; !ok {
		return fmt.Errorf("no such container %s", containerID)
	}
	d.containers[containerID] = true
	return nil
}

func (d *fakeDocker) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "stop "+containerID)
	if _, ok := d.containers[containerID]; !ok {
		return fmt.Errorf("no such container %s", containerID)
	}
	d.containers[containerID] = false
	return nil
}

func (d *fakeDocker) Remove(ctx context.Context, containerID string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "remove "+containerID)
	delete(d.containers, containerID)
	return nil
}

func (d *fakeDocker) Exists(ctx context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.containers[containerID]
	return ok, nil
}

func (d *fakeDocker) forget(containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
}

func (d *fakeDocker) trace() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDocker) createCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if strings.HasPrefix(c, "create ") {
			n++
		}
	}
	return n
}

type fakeSyncer struct {
	mu       sync.Mutex
	requests []worker.SyncRequest
	err      error
	gate     chan struct{}
}

func (s *fakeSyncer) SyncWorkspace(ctx context.Context, req worker.SyncRequest) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.err
}

func (s *fakeSyncer) reasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Reason)
	}
	return out
}

func (s *fakeSyncer) last() worker.SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return worker.SyncRequest{}
	}
	return s.requests[len(s.requests)-1]
}

type fakeExecutor struct {
	mu      sync.Mutex
	ops     []string
	seen    []worker.Trace
	missing []string
}

func (e *fakeExecutor) RestoreWorkspace(ctx context.Context, containerID string, plan worker.RestorePlan, trace worker.Trace) error {
	e.record("restore", trace)
	return nil
}

func (e *fakeExecutor) LinkAgentData(ctx context.Context, containerID string, links []worker.AgentDataLink, trace worker.Trace) error {
	e.record("link", trace)
	return nil
}

func (e *fakeExecutor) ValidateWorkspace(ctx context.Context, containerID string, requiredPaths []string, trace worker.Trace) ([]string, error) {
	e.record("validate", trace)
	return e.missing, nil
}

func (e *fakeExecutor) ExecuteWorkspaceCommand(ctx context.Context, containerID string, command []string, trace worker.Trace) (string, error) {
	e.record("exec", trace)
	return "", nil
}

func (e *fakeExecutor) record(op string, trace worker.Trace) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, op)
	e.seen = append(e.seen, trace)
}

func (e *fakeExecutor) operations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeExecutor) traces() []worker.Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]worker.Trace(nil), e.seen...)
}

type fakeManifests struct {
	plans map[string]*worker.RestorePlan
}

func (m *fakeManifests) FetchManifest(ctx context.Context, ref string) (*worker.RestorePlan, error) {
	plan, ok := m.plans[ref]
	if !ok {
		return nil, fmt.Errorf("manifest %s not found", ref)
	}
	out := *plan
	return &out, nil
}
