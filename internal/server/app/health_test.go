package app

import (
	"context"
	"testing"

	"runway/internal/domain/run"
	"runway/internal/eventbus"
	"runway/internal/server/ports"
	"runway/internal/store/memory"
)

func TestHealthChecker(t *testing.T) {
	t.Run("registers and checks probes", func(t *testing.T) {
		checker := NewHealthChecker()

		// Register a mock probe
		mockProbe := &mockHealthProbe{
			health: ports.ComponentHealth{
				Name:    "test_component",
				Status:  ports.HealthStatusReady,
				Message: "All good",
			},
		}
		checker.RegisterProbe(mockProbe)

		// Check all
		results := checker.CheckAll(context.Background())
		if len(results) != 1 {
			t.Errorf("Expected 1 result, got %d", len(results))
		}

		if results[0].Name != "test_component" {
			t.Errorf("Expected name 'test_component', got '%s'", results[0].Name)
		}

		if results[0].Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", results[0].Status)
		}
	})

	t.Run("handles multiple probes", func(t *testing.T) {
		checker := NewHealthChecker()

		probe1 := &mockHealthProbe{
			health: ports.ComponentHealth{Name: "component1", Status: ports.HealthStatusReady},
		}
		probe2 := &mockHealthProbe{
			health: ports.ComponentHealth{Name: "component2", Status: ports.HealthStatusDisabled},
		}

		checker.RegisterProbe(probe1)
		checker.RegisterProbe(probe2)

		results := checker.CheckAll(context.Background())
		if len(results) != 2 {
			t.Errorf("Expected 2 results, got %d", len(results))
		}
	})
}

func TestOverall(t *testing.T) {
	t.Run("ready when all components ready or disabled", func(t *testing.T) {
		results := []ports.ComponentHealth{
			{Name: "a", Status: ports.HealthStatusReady},
			{Name: "b", Status: ports.HealthStatusDisabled},
		}
		if got := Overall(results); got != ports.HealthStatusReady {
			t.Errorf("Expected 'ready', got '%s'", got)
		}
	})

	t.Run("not ready when any component not ready", func(t *testing.T) {
		results := []ports.ComponentHealth{
			{Name: "a", Status: ports.HealthStatusReady},
			{Name: "b", Status: ports.HealthStatusNotReady},
		}
		if got := Overall(results); got != ports.HealthStatusNotReady {
			t.Errorf("Expected 'not_ready', got '%s'", got)
		}
	})
}

func TestQueueProbe(t *testing.T) {
	t.Run("ready with queue depth details", func(t *testing.T) {
		queue := memory.NewRunQueue()
		if _, err := queue.Enqueue(context.Background(), &run.Item{RunID: "run-health-1", Provider: "scripted", Status: run.StatusQueued}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		probe := NewQueueProbe(queue)
		health := probe.Check(context.Background())

		if health.Name != "run_queue" {
			t.Errorf("Expected name 'run_queue', got '%s'", health.Name)
		}
		if health.Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", health.Status)
		}
		details, ok := health.Details.(map[string]interface{})
		if !ok {
			t.Fatalf("Expected details map, got %T", health.Details)
		}
		if details["queued"] != 1 {
			t.Errorf("Expected 1 queued run in details, got %v", details)
		}
	})

	t.Run("not ready when queue missing", func(t *testing.T) {
		probe := NewQueueProbe(nil)
		health := probe.Check(context.Background())

		if health.Status != ports.HealthStatusNotReady {
			t.Errorf("Expected status 'not_ready', got '%s'", health.Status)
		}
	})
}

func TestWorkerStoreProbe(t *testing.T) {
	t.Run("disabled when store missing", func(t *testing.T) {
		probe := NewWorkerStoreProbe(nil)
		health := probe.Check(context.Background())

		if health.Name != "session_workers" {
			t.Errorf("Expected name 'session_workers', got '%s'", health.Name)
		}
		if health.Status != ports.HealthStatusDisabled {
			t.Errorf("Expected status 'disabled', got '%s'", health.Status)
		}
	})

	t.Run("ready with state counts", func(t *testing.T) {
		probe := NewWorkerStoreProbe(memory.NewWorkerStore())
		health := probe.Check(context.Background())

		if health.Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", health.Status)
		}
	})
}

func TestStreamProbe(t *testing.T) {
	t.Run("not ready when bus missing", func(t *testing.T) {
		probe := NewStreamProbe(nil)
		health := probe.Check(context.Background())

		if health.Status != ports.HealthStatusNotReady {
			t.Errorf("Expected status 'not_ready', got '%s'", health.Status)
		}
	})

	t.Run("ready with bus metrics", func(t *testing.T) {
		bus := eventbus.New(eventbus.Options{})
		probe := NewStreamProbe(bus)
		health := probe.Check(context.Background())

		if health.Name != "event_bus" {
			t.Errorf("Expected name 'event_bus', got '%s'", health.Name)
		}
		if health.Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", health.Status)
		}
	})
}

// --- test doubles ---

// Mock probe for testing
type mockHealthProbe struct {
	health ports.ComponentHealth
}

func (m *mockHealthProbe) Check(ctx context.Context) ports.ComponentHealth {
	return m.health
}
