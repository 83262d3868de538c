package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"runway/internal/domain/callback"
	"runway/internal/eventbus"
	"runway/internal/observability"
	"runway/internal/provider"
	"runway/internal/server/app"
	"runway/internal/shared/logging"
)

// runHandler serves run submission, event streams, callbacks and the
// human-loop endpoints.
type runHandler struct {
	orchestrator *app.RunOrchestrator
	ingestor     *app.CallbackIngestor
	bus          *eventbus.Bus
	obs          *observability.Observability
	logger       logging.Logger

	heartbeat time.Duration
}

func newRunHandler(orchestrator *app.RunOrchestrator, ingestor *app.CallbackIngestor, bus *eventbus.Bus, obs *observability.Observability, logger logging.Logger) *runHandler {
	return &runHandler{
		orchestrator: orchestrator,
		ingestor:     ingestor,
		bus:          bus,
		obs:          obs,
		logger:       logging.OrNop(logger),
		heartbeat:    defaultHeartbeat,
	}
}

// startRunBody is the wire shape of a run submission.
type startRunBody struct {
	RunID            string             `json:"runId"`
	SessionID        string             `json:"sessionId"`
	Provider         string             `json:"provider"`
	Model            string             `json:"model"`
	RequireHumanLoop *bool              `json:"requireHumanLoop"`
	ExecutionProfile string             `json:"executionProfile"`
	ProviderOptions  map[string]any     `json:"providerOptions"`
	Messages         []provider.Message `json:"messages"`
	MaxAttempts      int                `json:"maxAttempts"`
}

// Start enqueues a run and answers with its event stream over SSE. A
// duplicate runId attaches to the existing run's log instead of
// executing twice.
func (h *runHandler) Start(c *gin.Context) {
	if h.orchestrator == nil {
		writeError(c, h.logger, app.UnavailableError("run orchestrator not configured"))
		return
	}
	var body startRunBody
	if !bindJSON(c, h.logger, &body) {
		return
	}

	result, err := h.orchestrator.StartRun(c.Request.Context(), app.StartRunRequest{
		RunID:            body.RunID,
		SessionID:        body.SessionID,
		Provider:         body.Provider,
		Model:            body.Model,
		Messages:         body.Messages,
		RequireHumanLoop: body.RequireHumanLoop,
		ExecutionProfile: body.ExecutionProfile,
		Options:          body.ProviderOptions,
		MaxAttempts:      body.MaxAttempts,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.Header("X-Run-Id", result.RunID)
	streamSSE(c, result.Stream, h.heartbeat, h.obs, h.logger)
}

// Stream replays events with seq greater than the cursor, then tails.
func (h *runHandler) Stream(c *gin.Context) {
	sub, ok := h.subscribe(c)
	if !ok {
		return
	}
	streamSSE(c, sub, h.heartbeat, h.obs, h.logger)
}

// StreamWS mirrors the event stream over a WebSocket.
func (h *runHandler) StreamWS(c *gin.Context) {
	sub, ok := h.subscribe(c)
	if !ok {
		return
	}
	streamWS(c, sub, h.heartbeat, h.obs, h.logger)
}

// subscribe validates the run and attaches at the caller's cursor. A
// terminal run whose log already expired yields a one-event subscription
// carrying a synthetic run.closed so reconnecting clients can stop.
func (h *runHandler) subscribe(c *gin.Context) (*eventbus.Subscription, bool) {
	if h.bus == nil || h.orchestrator == nil {
		writeError(c, h.logger, app.UnavailableError("event bus not configured"))
		return nil, false
	}
	runID := c.Param("runId")
	cursor, err := cursorFrom(c)
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}

	item, err := h.orchestrator.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	if item.Status.IsTerminal() && h.bus.LastSeq(runID) == 0 {
		return closedSubscription(runID, string(item.Status)), true
	}

	sub, err := h.bus.Subscribe(c.Request.Context(), runID, cursor+1)
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	return sub, true
}

// Stop cancels the run. Stopping a terminal run is a no-op success.
func (h *runHandler) Stop(c *gin.Context) {
	if h.orchestrator == nil {
		writeError(c, h.logger, app.UnavailableError("run orchestrator not configured"))
		return
	}
	if err := h.orchestrator.StopRun(c.Request.Context(), c.Param("runId")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Bind attaches the run to a session for workspace sync attribution.
func (h *runHandler) Bind(c *gin.Context) {
	if h.ingestor == nil {
		writeError(c, h.logger, app.UnavailableError("callback ingestor not configured"))
		return
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	if err := h.ingestor.BindRun(c.Request.Context(), c.Param("runId"), body.SessionID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Callbacks ingests one provider callback. Replays of an eventId return
// 200 with duplicate=true and no further effect.
func (h *runHandler) Callbacks(c *gin.Context) {
	if h.ingestor == nil {
		writeError(c, h.logger, app.UnavailableError("callback ingestor not configured"))
		return
	}
	var env callback.Envelope
	if !bindJSON(c, h.logger, &env) {
		return
	}
	result, err := h.ingestor.Ingest(c.Request.Context(), c.Param("runId"), env)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get returns the queue item for a run.
func (h *runHandler) Get(c *gin.Context) {
	if h.orchestrator == nil {
		writeError(c, h.logger, app.UnavailableError("run orchestrator not configured"))
		return
	}
	item, err := h.orchestrator.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// Usage returns the finalized token usage for a run.
func (h *runHandler) Usage(c *gin.Context) {
	if h.ingestor == nil {
		writeError(c, h.logger, app.UnavailableError("callback ingestor not configured"))
		return
	}
	runID := c.Param("runId")
	usage, ok, err := h.ingestor.GetUsage(c.Request.Context(), runID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if !ok {
		writeError(c, h.logger, app.NotFoundError(fmt.Sprintf("no usage recorded for run %s", runID)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": runID, "usage": usage})
}

// Todos returns the run's current todo board.
func (h *runHandler) Todos(c *gin.Context) {
	if h.ingestor == nil {
		writeError(c, h.logger, app.UnavailableError("callback ingestor not configured"))
		return
	}
	items, err := h.ingestor.ListTodos(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if items == nil {
		items = []callback.TodoItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// TodoEvents returns todo deliveries in arrival order.
func (h *runHandler) TodoEvents(c *gin.Context) {
	if h.ingestor == nil {
		writeError(c, h.logger, app.UnavailableError("callback ingestor not configured"))
		return
	}
	events, err := h.ingestor.ListTodoEvents(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if events == nil {
		events = []callback.TodoEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// PendingHumanLoops lists unanswered questions, oldest first.
func (h *runHandler) PendingHumanLoops(c *gin.Context) {
	if h.ingestor == nil {
		writeError(c, h.logger, app.UnavailableError("callback ingestor not configured"))
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	pending, err := h.ingestor.ListPendingHumanLoops(c.Request.Context(), c.Query("runId"), limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if pending == nil {
		pending = []*callback.HumanLoopRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

// ReplyHumanLoop answers a pending question. A rejected reply (run no
// longer active) is a conflict; answering a resolved question again is a
// duplicate success.
func (h *runHandler) ReplyHumanLoop(c *gin.Context) {
	if h.ingestor == nil {
		writeError(c, h.logger, app.UnavailableError("callback ingestor not configured"))
		return
	}
	var body struct {
		RunID      string `json:"runId"`
		QuestionID string `json:"questionId"`
		Answer     string `json:"answer"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	result, err := h.ingestor.Reply(c.Request.Context(), body.RunID, body.QuestionID, body.Answer)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if !result.OK {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// closedSubscription builds a detached subscription delivering a single
// synthetic run.closed. Seq 0 keeps the client's cursor untouched.
func closedSubscription(runID, reason string) *eventbus.Subscription {
	return eventbus.ClosedSubscription(runID, eventbus.Event{
		RunID:   runID,
		Kind:    eventbus.KindRunClosed,
		Ts:      time.Now(),
		Payload: eventbus.ClosedPayload(reason),
	})
}

// intQuery parses an optional integer query parameter.
func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, app.ValidationError(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return value, nil
}
