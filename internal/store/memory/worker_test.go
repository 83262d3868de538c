package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runway/internal/domain/worker"
	apperrors "runway/internal/errors"
)

func seedWorker(t *testing.T, s *WorkerStore, sessionID string, state worker.State, lastActive time.Time) {
	t.Helper()
	w := &worker.SessionWorker{
		SessionID:    sessionID,
		ContainerID:  "ctr-" + sessionID,
		State:        state,
		LastActiveAt: lastActive,
	}
	if state == worker.StateStopped {
		stopped := lastActive.Add(time.Minute)
		w.StoppedAt = &stopped
	}
	if err := s.Save(context.Background(), w); err != nil {
		t.Fatalf("seed %s: %v", sessionID, err)
	}
}

func TestWorkerSaveGetRoundTrip(t *testing.T) {
	s := NewWorkerStore()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "sess-1"); err != nil || ok {
		t.Fatalf("get before save: ok=%v err=%v", ok, err)
	}

	w := &worker.SessionWorker{
		SessionID:    "sess-1",
		ContainerID:  "ctr-1",
		LastActiveAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.Save(ctx, w); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Get(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.State != worker.StateRunning {
		t.Errorf("default state = %s, want running", got.State)
	}
	if got.LastSyncStatus != worker.SyncNone {
		t.Errorf("default sync status = %s, want none", got.LastSyncStatus)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not defaulted")
	}

	// Upsert keeps the original created_at.
	created := got.CreatedAt
	got.State = worker.StateStopped
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got2, _, _ := s.Get(ctx, "sess-1")
	if !got2.CreatedAt.Equal(created) {
		t.Errorf("created_at changed on upsert: %v -> %v", created, got2.CreatedAt)
	}
	if got2.State != worker.StateStopped {
		t.Errorf("state = %s, want stopped", got2.State)
	}

	// Mutating the returned copy must not alias store state.
	got2.ContainerID = "mutated"
	got3, _, _ := s.Get(ctx, "sess-1")
	if got3.ContainerID != "ctr-1" {
		t.Errorf("store aliased caller copy: container = %s", got3.ContainerID)
	}
}

func TestBeginSyncGuardsOverlap(t *testing.T) {
	s := NewWorkerStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	seedWorker(t, s, "sess-1", worker.StateRunning, at)

	began, err := s.BeginSync(ctx, "sess-1", at)
	if err != nil || !began {
		t.Fatalf("first begin: began=%v err=%v", began, err)
	}
	if began, _ := s.BeginSync(ctx, "sess-1", at.Add(time.Second)); began {
		t.Error("second begin started while sync in flight")
	}

	if err := s.FinishSync(ctx, "sess-1", at.Add(time.Minute), ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _, _ := s.Get(ctx, "sess-1")
	if got.LastSyncStatus != worker.SyncSuccess || got.LastSyncAt == nil || got.LastSyncError != "" {
		t.Errorf("after success finish: %+v", got)
	}

	// A fresh sync may begin after the previous one finished.
	if began, _ := s.BeginSync(ctx, "sess-1", at.Add(2*time.Minute)); !began {
		t.Error("begin after finish refused")
	}
	if err := s.FinishSync(ctx, "sess-1", at.Add(3*time.Minute), "s3 timeout"); err != nil {
		t.Fatalf("finish with error: %v", err)
	}
	got, _, _ = s.Get(ctx, "sess-1")
	if got.LastSyncStatus != worker.SyncFailed || got.LastSyncError != "s3 timeout" {
		t.Errorf("after failed finish: %+v", got)
	}

	if _, err := s.BeginSync(ctx, "sess-missing", at); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("begin on missing worker = %v, want not found", err)
	}
}

func TestBeginSyncConcurrentCallersWinOnce(t *testing.T) {
	s := NewWorkerStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	seedWorker(t, s, "sess-1", worker.StateRunning, at)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began, err := s.BeginSync(ctx, "sess-1", at)
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			if began {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Errorf("began=true observed %d times, want 1", got)
	}
}

func TestListIdleRunningOrdersOldestFirst(t *testing.T) {
	s := NewWorkerStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	seedWorker(t, s, "sess-a", worker.StateRunning, base.Add(-3*time.Hour))
	seedWorker(t, s, "sess-b", worker.StateRunning, base.Add(-1*time.Hour))
	seedWorker(t, s, "sess-c", worker.StateRunning, base) // active, past cutoff
	seedWorker(t, s, "sess-d", worker.StateStopped, base.Add(-5*time.Hour))

	idle, err := s.ListIdleRunning(ctx, base.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(idle) != 2 {
		t.Fatalf("idle = %d, want 2", len(idle))
	}
	if idle[0].SessionID != "sess-a" || idle[1].SessionID != "sess-b" {
		t.Errorf("order = [%s %s], want [sess-a sess-b]", idle[0].SessionID, idle[1].SessionID)
	}

	capped, _ := s.ListIdleRunning(ctx, base.Add(-30*time.Minute), 1)
	if len(capped) != 1 || capped[0].SessionID != "sess-a" {
		t.Errorf("capped list = %v", capped)
	}
}

func TestListLongStoppedFiltersByStoppedAt(t *testing.T) {
	s := NewWorkerStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	seedWorker(t, s, "sess-old", worker.StateStopped, base.Add(-48*time.Hour))
	seedWorker(t, s, "sess-recent", worker.StateStopped, base.Add(-time.Hour))
	seedWorker(t, s, "sess-live", worker.StateRunning, base)

	stopped, err := s.ListLongStopped(ctx, base.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("list stopped: %v", err)
	}
	if len(stopped) != 1 || stopped[0].SessionID != "sess-old" {
		t.Errorf("stopped = %v", stopped)
	}
}

func TestListStaleSyncsTreatsNeverSyncedAsOldest(t *testing.T) {
	s := NewWorkerStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	seedWorker(t, s, "sess-never", worker.StateRunning, base)
	seedWorker(t, s, "sess-stale", worker.StateRunning, base)
	seedWorker(t, s, "sess-fresh", worker.StateRunning, base)
	seedWorker(t, s, "sess-gone", worker.StateDeleted, base)

	mustBegin := func(id string, at time.Time) {
		if began, err := s.BeginSync(ctx, id, at); err != nil || !began {
			t.Fatalf("begin %s: began=%v err=%v", id, began, err)
		}
	}
	mustBegin("sess-stale", base.Add(-2*time.Hour))
	s.FinishSync(ctx, "sess-stale", base.Add(-2*time.Hour), "")
	mustBegin("sess-fresh", base)
	s.FinishSync(ctx, "sess-fresh", base, "")

	stale, err := s.ListStaleSyncs(ctx, base.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale = %d, want 2 (never + stale)", len(stale))
	}
	if stale[0].SessionID != "sess-never" || stale[1].SessionID != "sess-stale" {
		t.Errorf("order = [%s %s], want [sess-never sess-stale]", stale[0].SessionID, stale[1].SessionID)
	}
}

func TestCountByState(t *testing.T) {
	s := NewWorkerStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		seedWorker(t, s, fmt.Sprintf("sess-r%d", i), worker.StateRunning, base)
	}
	seedWorker(t, s, "sess-s", worker.StateStopped, base)

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[worker.StateRunning] != 3 || counts[worker.StateStopped] != 1 || counts[worker.StateDeleted] != 0 {
		t.Errorf("counts = %v", counts)
	}
}
