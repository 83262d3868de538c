package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"runway/internal/domain/callback"
	"runway/internal/domain/run"
	"runway/internal/eventbus"
	"runway/internal/store/memory"
)

func newTestIngestor(t *testing.T, opts ...IngestorOption) (*CallbackIngestor, *memory.CallbackStore, *memory.RunQueue, *eventbus.Bus) {
	t.Helper()
	store := memory.NewCallbackStore()
	queue := memory.NewRunQueue()
	bus := eventbus.New(eventbus.Options{})
	base := []IngestorOption{WithIngestorRetryDelay(0)}
	ing := NewCallbackIngestor(store, queue, bus, append(base, opts...)...)
	return ing, store, queue, bus
}

func snapshotEvents(t *testing.T, bus *eventbus.Bus, runID string) []eventbus.Event {
	t.Helper()
	events, err := bus.Snapshot(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return events
}

func decodeStatus(t *testing.T, ev eventbus.Event) (string, string) {
	t.Helper()
	if ev.Kind != eventbus.KindRunStatus {
		t.Fatalf("Expected run.status, got %s", ev.Kind)
	}
	var body struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		t.Fatalf("decode status payload: %v", err)
	}
	return body.Status, body.Detail
}

func TestIngestMessageStopIdempotent(t *testing.T) {
	ing, _, _, bus := newTestIngestor(t)
	env := callback.Envelope{EventID: "evt-message-stop-1", Kind: callback.KindMessageStop}

	first, err := ing.Ingest(context.Background(), "run-cb-stop", env)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if first.Action != ActionMessageStopSynced || first.Duplicate {
		t.Errorf("Expected {message_stop_synced,false}, got {%s,%v}", first.Action, first.Duplicate)
	}

	events := snapshotEvents(t, bus, "run-cb-stop")
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	status, detail := decodeStatus(t, events[0])
	if status != eventbus.StatusRunning || detail != "message_stop" {
		t.Errorf("Expected running/message_stop, got %s/%s", status, detail)
	}

	second, err := ing.Ingest(context.Background(), "run-cb-stop", env)
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if second.Action != ActionDuplicateIgnored || !second.Duplicate {
		t.Errorf("Expected {duplicate_ignored,true}, got {%s,%v}", second.Action, second.Duplicate)
	}
	if got := len(snapshotEvents(t, bus, "run-cb-stop")); got != 1 {
		t.Errorf("Duplicate delivery must not publish, log has %d events", got)
	}
}

func TestIngestRunFinishedFirstUsageWins(t *testing.T) {
	ing, store, queue, bus := newTestIngestor(t)

	if _, err := queue.Enqueue(context.Background(), &run.Item{
		RunID:    "run-cb-fin",
		Provider: "scripted",
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	_, err := ing.Ingest(context.Background(), "run-cb-fin", callback.Envelope{
		EventID: "evt-fin-1",
		Kind:    callback.KindRunFinished,
		Payload: []byte(`{"status":"succeeded","usage":{"inputTokens":10,"outputTokens":20}}`),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	usage, ok, err := store.GetUsage(context.Background(), "run-cb-fin")
	if err != nil || !ok {
		t.Fatalf("Expected usage, ok=%v err=%v", ok, err)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 20 || usage.TotalTokens != 30 {
		t.Errorf("Expected {10,20,30}, got {%d,%d,%d}", usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
	}

	item, err := queue.FindByRunID(context.Background(), "run-cb-fin")
	if err != nil {
		t.Fatalf("FindByRunID failed: %v", err)
	}
	if item.Status != run.StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", item.Status)
	}
	if !bus.Closed("run-cb-fin") {
		t.Error("Expected the stream to be closed")
	}

	// A later delivery with a fresh eventId applies but cannot overwrite
	// the finalized usage.
	res, err := ing.Ingest(context.Background(), "run-cb-fin", callback.Envelope{
		EventID: "evt-fin-2",
		Kind:    callback.KindRunFinished,
		Payload: []byte(`{"status":"succeeded","usage":{"inputTokens":999,"outputTokens":888}}`),
	})
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if res.Action != ActionRunFinishedRecorded || res.Duplicate {
		t.Errorf("Expected {run_finished_recorded,false}, got {%s,%v}", res.Action, res.Duplicate)
	}
	usage, _, err = store.GetUsage(context.Background(), "run-cb-fin")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 20 {
		t.Errorf("First usage must win, got {%d,%d}", usage.InputTokens, usage.OutputTokens)
	}
}

func TestIngestRunFinishedFailureRequeues(t *testing.T) {
	ing, _, queue, _ := newTestIngestor(t)

	if _, err := queue.Enqueue(context.Background(), &run.Item{
		RunID:    "run-cb-fail",
		Provider: "scripted",
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	_, err := ing.Ingest(context.Background(), "run-cb-fail", callback.Envelope{
		EventID: "evt-fail-1",
		Kind:    callback.KindRunFinished,
		Payload: []byte(`{"status":"failed"}`),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	item, err := queue.FindByRunID(context.Background(), "run-cb-fail")
	if err != nil {
		t.Fatalf("FindByRunID failed: %v", err)
	}
	if item.Status != run.StatusQueued {
		t.Errorf("Expected a retryable failure to requeue, got %s", item.Status)
	}
	if item.ErrorMessage != "provider reported failure" {
		t.Errorf("Unexpected error message %q", item.ErrorMessage)
	}
}

func TestIngestRunFinishedUnknownRun(t *testing.T) {
	ing, store, _, bus := newTestIngestor(t)

	// Runs executed outside the queue still get usage and stream closure.
	res, err := ing.Ingest(context.Background(), "run-cb-ext", callback.Envelope{
		EventID: "evt-ext-1",
		Kind:    callback.KindRunFinished,
		Payload: []byte(`{"status":"succeeded"}`),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Action != ActionRunFinishedRecorded {
		t.Errorf("Expected run_finished_recorded, got %s", res.Action)
	}
	if _, ok, _ := store.GetUsage(context.Background(), "run-cb-ext"); !ok {
		t.Error("Expected estimated usage to be recorded")
	}
	if !bus.Closed("run-cb-ext") {
		t.Error("Expected the stream to be closed")
	}
}

func TestIngestTodoUpdateRepairsPayload(t *testing.T) {
	ing, _, _, bus := newTestIngestor(t)

	// Trailing comma: invalid JSON that jsonrepair can fix.
	res, err := ing.Ingest(context.Background(), "run-cb-todo", callback.Envelope{
		EventID: "evt-todo-1",
		Kind:    callback.KindTodoUpdate,
		Payload: []byte(`{"items":[{"id":"t-1","content":"write tests","status":"pending"},]}`),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Action != ActionTodoSynced {
		t.Errorf("Expected todo_synced, got %s", res.Action)
	}

	todos, err := ing.ListTodos(context.Background(), "run-cb-todo")
	if err != nil {
		t.Fatalf("ListTodos failed: %v", err)
	}
	if len(todos) != 1 || todos[0].ID != "t-1" {
		t.Fatalf("Expected repaired item t-1, got %+v", todos)
	}

	history, err := ing.ListTodoEvents(context.Background(), "run-cb-todo")
	if err != nil {
		t.Fatalf("ListTodoEvents failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("Expected 1 todo event, got %d", len(history))
	}

	events := snapshotEvents(t, bus, "run-cb-todo")
	if len(events) != 1 || events[0].Kind != eventbus.KindTodoUpdate {
		t.Errorf("Expected one todo.update on the bus, got %v", events)
	}
}

func TestIngestRejectedPayloadKeepsEventIDUsable(t *testing.T) {
	ing, _, _, _ := newTestIngestor(t)

	// Empty item list is rejected before the eventId is claimed.
	_, err := ing.Ingest(context.Background(), "run-cb-retry", callback.Envelope{
		EventID: "evt-retry-1",
		Kind:    callback.KindTodoUpdate,
		Payload: []byte(`{"items":[]}`),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}

	res, err := ing.Ingest(context.Background(), "run-cb-retry", callback.Envelope{
		EventID: "evt-retry-1",
		Kind:    callback.KindTodoUpdate,
		Payload: []byte(`{"items":[{"id":"t-1","content":"retry","status":"pending"}]}`),
	})
	if err != nil {
		t.Fatalf("Retry with the same eventId failed: %v", err)
	}
	if res.Duplicate {
		t.Error("A rejected delivery must not consume its eventId")
	}
}

func TestIngestHumanLoopRequestedThenResolved(t *testing.T) {
	ing, _, _, bus := newTestIngestor(t)

	if err := ing.BindRun(context.Background(), "run-cb-loop", "sess-loop"); err != nil {
		t.Fatalf("BindRun failed: %v", err)
	}

	res, err := ing.Ingest(context.Background(), "run-cb-loop", callback.Envelope{
		EventID: "evt-loop-1",
		Kind:    callback.KindHumanLoopRequest,
		Payload: []byte(`{"questionId":"q-cb-1","prompt":"deploy to prod?"}`),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Action != ActionHumanLoopRequested {
		t.Errorf("Expected human_loop_requested, got %s", res.Action)
	}

	pending, err := ing.ListPendingHumanLoops(context.Background(), "run-cb-loop", 10)
	if err != nil {
		t.Fatalf("ListPendingHumanLoops failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending question, got %d", len(pending))
	}
	if pending[0].SessionID != "sess-loop" {
		t.Errorf("Expected sessionId backfilled from the binding, got %q", pending[0].SessionID)
	}

	events := snapshotEvents(t, bus, "run-cb-loop")
	status, detail := decodeStatus(t, events[len(events)-1])
	if status != eventbus.StatusWaitingHuman || detail != "q-cb-1" {
		t.Errorf("Expected waiting_human/q-cb-1, got %s/%s", status, detail)
	}

	res, err = ing.Ingest(context.Background(), "run-cb-loop", callback.Envelope{
		EventID: "evt-loop-2",
		Kind:    callback.KindHumanLoopResolved,
		Payload: []byte(`{"questionId":"q-cb-1","answer":"yes"}`),
	})
	if err != nil {
		t.Fatalf("Resolve ingest failed: %v", err)
	}
	if res.Action != ActionHumanLoopResolved {
		t.Errorf("Expected human_loop_resolved, got %s", res.Action)
	}

	pending, err = ing.ListPendingHumanLoops(context.Background(), "run-cb-loop", 10)
	if err != nil {
		t.Fatalf("ListPendingHumanLoops failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending questions, got %d", len(pending))
	}

	events = snapshotEvents(t, bus, "run-cb-loop")
	status, _ = decodeStatus(t, events[len(events)-1])
	if status != eventbus.StatusRunning {
		t.Errorf("Expected running after resolve, got %s", status)
	}

	// Resolving an already-resolved question is absorbed without another
	// status flip.
	before := len(events)
	if _, err = ing.Ingest(context.Background(), "run-cb-loop", callback.Envelope{
		EventID: "evt-loop-3",
		Kind:    callback.KindHumanLoopResolved,
		Payload: []byte(`{"questionId":"q-cb-1","answer":"yes"}`),
	}); err != nil {
		t.Fatalf("Repeat resolve failed: %v", err)
	}
	if got := len(snapshotEvents(t, bus, "run-cb-loop")); got != before {
		t.Errorf("Expected no new events, log grew %d -> %d", before, got)
	}
}

func TestIngestHumanLoopResolvedWrongRun(t *testing.T) {
	ing, _, _, _ := newTestIngestor(t)

	if _, err := ing.Ingest(context.Background(), "run-cb-a", callback.Envelope{
		EventID: "evt-wrong-1",
		Kind:    callback.KindHumanLoopRequest,
		Payload: []byte(`{"questionId":"q-wrong-1","prompt":"?"}`),
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	env := callback.Envelope{
		EventID: "evt-wrong-2",
		Kind:    callback.KindHumanLoopResolved,
		Payload: []byte(`{"questionId":"q-wrong-1"}`),
	}
	if _, err := ing.Ingest(context.Background(), "run-cb-b", env); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not-found for a question on another run, got %v", err)
	}

	// The misdirected delivery must not consume the eventId: the same
	// envelope sent to the owning run still applies.
	res, err := ing.Ingest(context.Background(), "run-cb-a", env)
	if err != nil {
		t.Fatalf("Resolve on the owning run failed: %v", err)
	}
	if res.Action != ActionHumanLoopResolved || res.Duplicate {
		t.Errorf("Expected {human_loop_resolved,false}, got {%s,%v}", res.Action, res.Duplicate)
	}
}

func TestIngestResolvedBeforeRequestedKeepsEventIDUsable(t *testing.T) {
	ing, _, _, _ := newTestIngestor(t)

	// The resolve raced ahead of its requested counterpart.
	env := callback.Envelope{
		EventID: "evt-early-1",
		Kind:    callback.KindHumanLoopResolved,
		Payload: []byte(`{"questionId":"q-early-1","answer":"yes"}`),
	}
	if _, err := ing.Ingest(context.Background(), "run-cb-early", env); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not-found for an unknown question, got %v", err)
	}

	if _, err := ing.Ingest(context.Background(), "run-cb-early", callback.Envelope{
		EventID: "evt-early-2",
		Kind:    callback.KindHumanLoopRequest,
		Payload: []byte(`{"questionId":"q-early-1","prompt":"?"}`),
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Redelivery with the same eventId must apply, not report a duplicate.
	res, err := ing.Ingest(context.Background(), "run-cb-early", env)
	if err != nil {
		t.Fatalf("Retry with the same eventId failed: %v", err)
	}
	if res.Action != ActionHumanLoopResolved || res.Duplicate {
		t.Errorf("Expected {human_loop_resolved,false}, got {%s,%v}", res.Action, res.Duplicate)
	}

	pending, err := ing.ListPendingHumanLoops(context.Background(), "run-cb-early", 10)
	if err != nil {
		t.Fatalf("ListPendingHumanLoops failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected the question resolved, %d still pending", len(pending))
	}
}

func TestIngestValidation(t *testing.T) {
	ing, _, _, _ := newTestIngestor(t)

	cases := []struct {
		name  string
		runID string
		env   callback.Envelope
	}{
		{"missing run id", "", callback.Envelope{EventID: "evt-1", Kind: callback.KindMessageStop}},
		{"missing event id", "run-v", callback.Envelope{Kind: callback.KindMessageStop}},
		{"unknown kind", "run-v", callback.Envelope{EventID: "evt-2", Kind: callback.Kind("bogus")}},
		{"bad finished status", "run-v", callback.Envelope{
			EventID: "evt-3",
			Kind:    callback.KindRunFinished,
			Payload: []byte(`{"status":"exploded"}`),
		}},
		{"human loop without question id", "run-v", callback.Envelope{
			EventID: "evt-4",
			Kind:    callback.KindHumanLoopRequest,
			Payload: []byte(`{"prompt":"?"}`),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ing.Ingest(context.Background(), tc.runID, tc.env); !errors.Is(err, ErrValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestReply(t *testing.T) {
	ctrl := &stubController{accepted: true}
	ing, _, _, bus := newTestIngestor(t, WithIngestorController(ctrl))

	if _, err := ing.Ingest(context.Background(), "run-cb-reply", callback.Envelope{
		EventID: "evt-reply-1",
		Kind:    callback.KindHumanLoopRequest,
		Payload: []byte(`{"questionId":"q-r-1","prompt":"merge?"}`),
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	res, err := ing.Reply(context.Background(), "run-cb-reply", "q-r-1", "yes")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if !res.OK || res.Duplicate {
		t.Errorf("Expected {ok:true}, got %+v", res)
	}
	if ctrl.lastQuestion != "q-r-1" || ctrl.lastAnswer != "yes" {
		t.Errorf("Controller saw %s/%s", ctrl.lastQuestion, ctrl.lastAnswer)
	}

	events := snapshotEvents(t, bus, "run-cb-reply")
	status, _ := decodeStatus(t, events[len(events)-1])
	if status != eventbus.StatusRunning {
		t.Errorf("Expected running after an accepted reply, got %s", status)
	}

	// Replying again reports the resolved state instead of failing.
	res, err = ing.Reply(context.Background(), "run-cb-reply", "q-r-1", "yes")
	if err != nil {
		t.Fatalf("Second reply failed: %v", err)
	}
	if !res.OK || !res.Duplicate || res.Status != string(callback.HumanLoopResolved) {
		t.Errorf("Expected {ok:true,duplicate:true,resolved}, got %+v", res)
	}

	if _, err = ing.Reply(context.Background(), "run-cb-reply", "q-missing", "yes"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not-found for unknown question, got %v", err)
	}
}

func TestReplyRejectedByController(t *testing.T) {
	ctrl := &stubController{accepted: false, reason: "provider is busy"}
	ing, _, _, _ := newTestIngestor(t, WithIngestorController(ctrl))

	if _, err := ing.Ingest(context.Background(), "run-cb-reject", callback.Envelope{
		EventID: "evt-reject-1",
		Kind:    callback.KindHumanLoopRequest,
		Payload: []byte(`{"questionId":"q-j-1","prompt":"?"}`),
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	res, err := ing.Reply(context.Background(), "run-cb-reject", "q-j-1", "yes")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if res.OK || res.Reason != "provider is busy" {
		t.Errorf("Expected rejection with reason, got %+v", res)
	}

	// The question stays pending so a later reply can still land.
	pending, err := ing.ListPendingHumanLoops(context.Background(), "run-cb-reject", 10)
	if err != nil {
		t.Fatalf("ListPendingHumanLoops failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected the question to stay pending, got %d", len(pending))
	}
}

func TestReplyWithoutController(t *testing.T) {
	ing, _, _, _ := newTestIngestor(t)

	if _, err := ing.Ingest(context.Background(), "run-cb-noctl", callback.Envelope{
		EventID: "evt-noctl-1",
		Kind:    callback.KindHumanLoopRequest,
		Payload: []byte(`{"questionId":"q-n-1","prompt":"?"}`),
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	res, err := ing.Reply(context.Background(), "run-cb-noctl", "q-n-1", "yes")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if res.OK || res.Reason != "run not active" {
		t.Errorf("Expected rejection without a controller, got %+v", res)
	}
}

// --- test doubles ---

type stubController struct {
	accepted     bool
	reason       string
	err          error
	lastQuestion string
	lastAnswer   string
}

func (c *stubController) ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) (bool, string, error) {
	c.lastQuestion = questionID
	c.lastAnswer = answer
	return c.accepted, c.reason, c.err
}
