package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"runway/internal/observability"
	"runway/internal/shared/logging"
)

// requestLogger logs one line per request and feeds the HTTP server
// metrics. Streaming endpoints log on disconnect like everything else.
func requestLogger(logger logging.Logger, obs *observability.Observability) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		if obs != nil && obs.Metrics != nil {
			obs.Metrics.RecordHTTPServerRequest(c.Request.Context(), c.Request.Method, route, status, elapsed)
		}

		if len(c.Errors) > 0 {
			logger.Warn("%s %s -> %d (%s): %v", c.Request.Method, route, status, elapsed.Round(time.Millisecond), c.Errors.Last())
			return
		}
		if status >= 500 {
			logger.Error("%s %s -> %d (%s)", c.Request.Method, route, status, elapsed.Round(time.Millisecond))
			return
		}
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, route, status, elapsed.Round(time.Millisecond))
	}
}
