package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"runway/internal/observability"
	"runway/internal/server/app"
	"runway/internal/shared/logging"
)

// reconcileHandler exposes the repair sweeps for operators and cron.
type reconcileHandler struct {
	reconciler *app.Reconciler
	obs        *observability.Observability
	logger     logging.Logger
}

func newReconcileHandler(reconciler *app.Reconciler, obs *observability.Observability, logger logging.Logger) *reconcileHandler {
	return &reconcileHandler{reconciler: reconciler, obs: obs, logger: logging.OrNop(logger)}
}

// Runs sweeps expired claim leases. retryDelayMs=0 requeues immediately;
// omitting it applies the configured default.
func (h *reconcileHandler) Runs(c *gin.Context) {
	if h.reconciler == nil {
		writeError(c, h.logger, app.UnavailableError("reconciler not configured"))
		return
	}
	var body struct {
		Limit        int  `json:"limit"`
		RetryDelayMs *int `json:"retryDelayMs"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	retryDelay := time.Duration(-1)
	if body.RetryDelayMs != nil {
		retryDelay = time.Duration(*body.RetryDelayMs) * time.Millisecond
	}
	result, err := h.reconciler.ReconcileStaleClaims(c.Request.Context(), body.Limit, retryDelay)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Syncs refreshes workspaces whose last sync is older than staleAfterMs.
func (h *reconcileHandler) Syncs(c *gin.Context) {
	if h.reconciler == nil {
		writeError(c, h.logger, app.UnavailableError("reconciler not configured"))
		return
	}
	var body struct {
		StaleAfterMs int `json:"staleAfterMs"`
		Limit        int `json:"limit"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	result, err := h.reconciler.ReconcileStaleSyncs(c.Request.Context(), time.Duration(body.StaleAfterMs)*time.Millisecond, body.Limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HumanLoopTimeouts expires pending questions older than timeoutMs and
// fails their runs.
func (h *reconcileHandler) HumanLoopTimeouts(c *gin.Context) {
	if h.reconciler == nil {
		writeError(c, h.logger, app.UnavailableError("reconciler not configured"))
		return
	}
	var body struct {
		TimeoutMs int `json:"timeoutMs"`
		Limit     int `json:"limit"`
	}
	if !bindJSON(c, h.logger, &body) {
		return
	}
	result, err := h.reconciler.ReconcileHumanLoopTimeouts(c.Request.Context(), time.Duration(body.TimeoutMs)*time.Millisecond, body.Limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Metrics reports the system drift snapshot with derived alerts.
func (h *reconcileHandler) Metrics(c *gin.Context) {
	if h.reconciler == nil {
		writeError(c, h.logger, app.UnavailableError("reconciler not configured"))
		return
	}
	alertLimit, err := intQuery(c, "alertLimit", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	metrics, err := h.reconciler.Metrics(c.Request.Context(), alertLimit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// Prometheus serves the exposition endpoint for the private registry.
func (h *reconcileHandler) Prometheus(c *gin.Context) {
	if h.obs == nil || h.obs.Metrics == nil {
		writeError(c, h.logger, app.UnavailableError("metrics not configured"))
		return
	}
	h.obs.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
