package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"runway/internal/server/app"
	"runway/internal/shared/logging"
)

// workerHandler drives session sandboxes over HTTP.
type workerHandler struct {
	lifecycle *app.WorkerLifecycle
	logger    logging.Logger
}

func newWorkerHandler(lifecycle *app.WorkerLifecycle, logger logging.Logger) *workerHandler {
	return &workerHandler{lifecycle: lifecycle, logger: logging.OrNop(logger)}
}

// Activate ensures a running sandbox for the session: refresh when live,
// restart when stopped, create when absent. Concurrent activations for
// one session collapse into a single transition.
func (h *workerHandler) Activate(c *gin.Context) {
	if h.lifecycle == nil {
		writeError(c, h.logger, app.UnavailableError("worker lifecycle not configured"))
		return
	}
	var body struct {
		AppID          string `json:"appId"`
		ProjectName    string `json:"projectName"`
		UserLoginName  string `json:"userLoginName"`
		RuntimeVersion string `json:"runtimeVersion"`
		Manifest       string `json:"manifest"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	result, err := h.lifecycle.ActivateSession(c.Request.Context(), app.ActivateRequest{
		SessionID:      c.Param("sessionId"),
		AppID:          body.AppID,
		ProjectName:    body.ProjectName,
		UserLoginName:  body.UserLoginName,
		RuntimeVersion: body.RuntimeVersion,
		Manifest:       body.Manifest,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get returns the worker record for a session.
func (h *workerHandler) Get(c *gin.Context) {
	if h.lifecycle == nil {
		writeError(c, h.logger, app.UnavailableError("worker lifecycle not configured"))
		return
	}
	w, err := h.lifecycle.GetWorker(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Sync pushes the session workspace to S3 now. 409 while another sync
// for the session is in flight.
func (h *workerHandler) Sync(c *gin.Context) {
	if h.lifecycle == nil {
		writeError(c, h.logger, app.UnavailableError("worker lifecycle not configured"))
		return
	}
	var body struct {
		Reason string `json:"reason"`
		RunID  string `json:"runId"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	if err := h.lifecycle.SyncWorkspace(c.Request.Context(), c.Param("sessionId"), body.Reason, body.RunID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CleanupIdle stops running workers idle past idleTimeoutMs.
func (h *workerHandler) CleanupIdle(c *gin.Context) {
	if h.lifecycle == nil {
		writeError(c, h.logger, app.UnavailableError("worker lifecycle not configured"))
		return
	}
	var body struct {
		IdleTimeoutMs int `json:"idleTimeoutMs"`
		Limit         int `json:"limit"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	result, err := h.lifecycle.StopIdleWorkers(c.Request.Context(), time.Duration(body.IdleTimeoutMs)*time.Millisecond, body.Limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CleanupStopped removes containers stopped longer than removeAfterMs.
func (h *workerHandler) CleanupStopped(c *gin.Context) {
	if h.lifecycle == nil {
		writeError(c, h.logger, app.UnavailableError("worker lifecycle not configured"))
		return
	}
	var body struct {
		RemoveAfterMs int `json:"removeAfterMs"`
		Limit         int `json:"limit"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	result, err := h.lifecycle.RemoveLongStoppedWorkers(c.Request.Context(), time.Duration(body.RemoveAfterMs)*time.Millisecond, body.Limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
