package syncer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"runway/internal/domain/worker"
	apperrors "runway/internal/errors"
	jsonx "runway/internal/shared/json"
)

func fastRetry(attempts int) apperrors.RetryConfig {
	return apperrors.RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestSyncWorkspaceSendsRequest(t *testing.T) {
	var gotPath, gotTrace, gotOp string
	var gotBody worker.SyncRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTrace = r.Header.Get("X-Trace-Id")
		gotOp = r.Header.Get("X-Operation")
		raw, _ := io.ReadAll(r.Body)
		_ = jsonx.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Retry: fastRetry(1)}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := worker.SyncRequest{
		SessionID:         "sess-1",
		ContainerID:       "ctr-1",
		WorkspaceS3Prefix: "s3://bkt/sess-1",
		Include:           []string{"/workspace/**"},
		Exclude:           []string{"/workspace/.codex/**"},
		Reason:            worker.ReasonPreStop,
		Trace:             worker.Trace{TraceID: "tr-1", SessionID: "sess-1", Operation: "workspace.sync"},
	}
	if err := c.SyncWorkspace(context.Background(), req); err != nil {
		t.Fatalf("SyncWorkspace failed: %v", err)
	}

	if gotPath != "/api/v1/sync" {
		t.Errorf("Expected path /api/v1/sync, got %s", gotPath)
	}
	if gotTrace != "tr-1" {
		t.Errorf("Expected X-Trace-Id tr-1, got %q", gotTrace)
	}
	if gotOp != "workspace.sync" {
		t.Errorf("Expected X-Operation workspace.sync, got %q", gotOp)
	}
	if gotBody.ContainerID != "ctr-1" || gotBody.Reason != worker.ReasonPreStop {
		t.Errorf("Request body did not round-trip: %+v", gotBody)
	}
	if len(gotBody.Include) != 1 || gotBody.Include[0] != "/workspace/**" {
		t.Errorf("Expected include globs to round-trip, got %v", gotBody.Include)
	}
}

func TestSyncWorkspaceRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Retry: fastRetry(2)}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.SyncWorkspace(context.Background(), worker.SyncRequest{SessionID: "sess-1", ContainerID: "ctr-1"}); err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected 2 calls, got %d", got)
	}
}

func TestSyncWorkspacePermanentFailureStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad prefix", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Retry: fastRetry(3)}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = c.SyncWorkspace(context.Background(), worker.SyncRequest{SessionID: "sess-1", ContainerID: "ctr-1"})
	if err == nil {
		t.Fatal("Expected 400 to fail the sync")
	}
	var statusErr *apperrors.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Errorf("Expected StatusError 400, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected a single call for a permanent failure, got %d", got)
	}
}

func TestSyncWorkspaceRequiresContainerID(t *testing.T) {
	c, err := New(Config{BaseURL: "http://sync-sidecar:8099"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.SyncWorkspace(context.Background(), worker.SyncRequest{SessionID: "sess-1"}); err == nil {
		t.Fatal("Expected missing container id to be rejected")
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("Expected empty base url to be rejected")
	}
	if _, err := New(Config{BaseURL: "ftp://example.com"}, nil); err == nil {
		t.Error("Expected non-http scheme to be rejected")
	}
}
