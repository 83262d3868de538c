package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"runway/internal/server/app"
	"runway/internal/shared/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps application error sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its mapped status. Unmapped errors stay
// opaque to the caller and go to the log instead.
func writeError(c *gin.Context, logger logging.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.OrNop(logger).Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

// bindJSON decodes the request body, translating decode failures into a
// 400 so handlers only deal with valid shapes.
func bindJSON(c *gin.Context, logger logging.Logger, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeError(c, logger, app.ValidationError("invalid request body: "+err.Error()))
		return false
	}
	return true
}
