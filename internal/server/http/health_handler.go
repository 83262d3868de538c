package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"runway/internal/server/app"
	"runway/internal/server/ports"
)

// healthHandler reports component readiness.
type healthHandler struct {
	checker *app.HealthCheckerImpl
}

func newHealthHandler(checker *app.HealthCheckerImpl) *healthHandler {
	return &healthHandler{checker: checker}
}

// Check runs every registered probe. Any not_ready component turns the
// verdict and the status code.
func (h *healthHandler) Check(c *gin.Context) {
	if h.checker == nil {
		c.JSON(http.StatusOK, gin.H{"status": ports.HealthStatusReady})
		return
	}
	results := h.checker.CheckAll(c.Request.Context())
	overall := app.Overall(results)

	status := http.StatusOK
	if overall == ports.HealthStatusNotReady {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": overall, "components": results})
}
