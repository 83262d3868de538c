package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"runway/internal/domain/run"
	"runway/internal/server/app"
	"runway/internal/server/ports"
	jsonx "runway/internal/shared/json"
	"runway/internal/store/memory"
)

func TestStatusForMapsSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", app.ValidationError("bad input"), http.StatusBadRequest},
		{"forbidden", app.ForbiddenError("no grant"), http.StatusForbidden},
		{"not found", app.NotFoundError("no such run"), http.StatusNotFound},
		{"conflict", app.ConflictError("already syncing"), http.StatusConflict},
		{"unavailable", app.UnavailableError("store down"), http.StatusServiceUnavailable},
		{"wrapped not found", fmt.Errorf("load run: %w", app.NotFoundError("gone")), http.StatusNotFound},
		{"opaque", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusFor(tc.err); got != tc.want {
				t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestInternalErrorsStayOpaque(t *testing.T) {
	// An unmapped error must not leak its message to the client.
	queue := &failingQueue{err: errors.New("pg: connection refused to 10.0.0.5")}
	rec := app.NewReconciler(queue, memory.NewCallbackStore(), memory.NewWorkerStore())
	handler := NewRouter(Deps{Reconciler: rec})

	resp := doGet(t, handler, "/reconcile/metrics")
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", resp.Code)
	}
	var body errorResponse
	if err := jsonx.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("Decoding error body failed: %v", err)
	}
	if body.Error != "internal error" {
		t.Errorf("Expected an opaque message, got %q", body.Error)
	}
}

func TestHealthzWithoutChecker(t *testing.T) {
	handler := NewRouter(Deps{})

	rec := doGet(t, handler, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Status ports.HealthStatus `json:"status"`
	}
	if err := jsonx.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Decoding health failed: %v", err)
	}
	if body.Status != ports.HealthStatusReady {
		t.Errorf("Expected ready, got %s", body.Status)
	}
}

func TestHealthzAggregatesProbes(t *testing.T) {
	checker := app.NewHealthChecker()
	checker.RegisterProbe(staticProbe{name: "run_queue", status: ports.HealthStatusReady})
	checker.RegisterProbe(staticProbe{name: "event_bus", status: ports.HealthStatusReady})
	handler := NewRouter(Deps{Health: checker})

	rec := doGet(t, handler, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status     ports.HealthStatus      `json:"status"`
		Components []ports.ComponentHealth `json:"components"`
	}
	if err := jsonx.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Decoding health failed: %v", err)
	}
	if body.Status != ports.HealthStatusReady || len(body.Components) != 2 {
		t.Errorf("Unexpected health body %+v", body)
	}

	// One degraded component turns the verdict and the status code.
	checker.RegisterProbe(staticProbe{name: "redis_spill", status: ports.HealthStatusNotReady, message: "dial timeout"})
	degraded := doGet(t, handler, "/healthz")
	if degraded.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", degraded.Code)
	}
	if err := jsonx.Unmarshal(degraded.Body.Bytes(), &body); err != nil {
		t.Fatalf("Decoding degraded health failed: %v", err)
	}
	if body.Status != ports.HealthStatusNotReady || len(body.Components) != 3 {
		t.Errorf("Unexpected degraded body %+v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := NewRouter(Deps{CORSOrigins: []string{"https://console.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/runs/start", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("Unexpected Allow-Origin %q", got)
	}

	// Origins outside the allow list get no CORS headers.
	req = httptest.NewRequest(http.MethodOptions, "/runs/start", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no Allow-Origin for a foreign origin, got %q", got)
	}
}

func TestCORSWildcardAllowsAll(t *testing.T) {
	handler := NewRouter(Deps{CORSOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodOptions, "/runs/start", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard Allow-Origin, got %q", got)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	handler := NewRouter(Deps{})

	if rec := doGet(t, handler, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown route, got %d", rec.Code)
	}
}

// --- test doubles ---

type staticProbe struct {
	name    string
	status  ports.HealthStatus
	message string
}

func (p staticProbe) Check(ctx context.Context) ports.ComponentHealth {
	return ports.ComponentHealth{Name: p.name, Status: p.status, Message: p.message}
}

// failingQueue fails the first backend call the metrics snapshot makes.
type failingQueue struct {
	run.Queue
	err error
}

func (q *failingQueue) CountByStatus(ctx context.Context) (map[run.Status]int, error) {
	return nil, q.err
}
