package app

import (
	"context"
	"sync"

	"runway/internal/domain/run"
	"runway/internal/domain/worker"
	"runway/internal/eventbus"
	"runway/internal/server/ports"
)

// HealthCheckerImpl aggregates health probes for all components
type HealthCheckerImpl struct {
	probes []ports.HealthProbe
	mu     sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthCheckerImpl {
	return &HealthCheckerImpl{
		probes: make([]ports.HealthProbe, 0),
	}
}

// RegisterProbe adds a health probe
func (h *HealthCheckerImpl) RegisterProbe(probe ports.HealthProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// CheckAll returns health status for all components
func (h *HealthCheckerImpl) CheckAll(ctx context.Context) []ports.ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]ports.ComponentHealth, 0, len(h.probes))
	for _, probe := range h.probes {
		results = append(results, probe.Check(ctx))
	}
	return results
}

// Overall folds component results into one verdict: any not_ready
// component degrades the whole service.
func Overall(results []ports.ComponentHealth) ports.HealthStatus {
	for _, r := range results {
		if r.Status == ports.HealthStatusNotReady {
			return ports.HealthStatusNotReady
		}
	}
	return ports.HealthStatusReady
}

// QueueProbe checks the run queue backend by counting queue depth, which
// exercises the real store (postgres when configured).
type QueueProbe struct {
	queue run.Queue
}

// NewQueueProbe creates a run-queue health probe
func NewQueueProbe(queue run.Queue) *QueueProbe {
	return &QueueProbe{queue: queue}
}

// Check returns the health status of the run queue
func (p *QueueProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.queue == nil {
		return ports.ComponentHealth{
			Name:    "run_queue",
			Status:  ports.HealthStatusNotReady,
			Message: "run queue not configured",
		}
	}

	depth, err := p.queue.CountByStatus(ctx)
	if err != nil {
		return ports.ComponentHealth{
			Name:    "run_queue",
			Status:  ports.HealthStatusNotReady,
			Message: err.Error(),
		}
	}

	details := make(map[string]interface{}, len(depth))
	for status, n := range depth {
		details[string(status)] = n
	}
	return ports.ComponentHealth{
		Name:    "run_queue",
		Status:  ports.HealthStatusReady,
		Message: "queue reachable",
		Details: details,
	}
}

// WorkerStoreProbe checks the session-worker store.
type WorkerStoreProbe struct {
	workers worker.Store
}

// NewWorkerStoreProbe creates a worker-store health probe
func NewWorkerStoreProbe(workers worker.Store) *WorkerStoreProbe {
	return &WorkerStoreProbe{workers: workers}
}

// Check returns the health status of the worker store
func (p *WorkerStoreProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.workers == nil {
		return ports.ComponentHealth{
			Name:    "session_workers",
			Status:  ports.HealthStatusDisabled,
			Message: "worker lifecycle disabled by configuration",
		}
	}

	states, err := p.workers.CountByState(ctx)
	if err != nil {
		return ports.ComponentHealth{
			Name:    "session_workers",
			Status:  ports.HealthStatusNotReady,
			Message: err.Error(),
		}
	}

	details := make(map[string]interface{}, len(states))
	for state, n := range states {
		details[string(state)] = n
	}
	return ports.ComponentHealth{
		Name:    "session_workers",
		Status:  ports.HealthStatusReady,
		Message: "worker store reachable",
		Details: details,
	}
}

// StreamProbe reports event-bus throughput and subscriber counts.
type StreamProbe struct {
	bus *eventbus.Bus
}

// NewStreamProbe creates an event-bus health probe
func NewStreamProbe(bus *eventbus.Bus) *StreamProbe {
	return &StreamProbe{bus: bus}
}

// Check returns the health status of the event bus
func (p *StreamProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.bus == nil {
		return ports.ComponentHealth{
			Name:    "event_bus",
			Status:  ports.HealthStatusNotReady,
			Message: "event bus not initialized",
		}
	}

	m := p.bus.GetMetrics()
	return ports.ComponentHealth{
		Name:    "event_bus",
		Status:  ports.HealthStatusReady,
		Message: "event bus running",
		Details: map[string]interface{}{
			"published":        m.Published,
			"live_subscribers": m.LiveSubscribers,
			"dropped_subs":     m.DroppedSubs,
			"open_runs":        m.OpenRuns,
			"retained_runs":    m.RetainedRuns,
		},
	}
}
