package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"runway/internal/eventbus"
	"runway/internal/observability"
	"runway/internal/server/app"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
)

const defaultHeartbeat = 30 * time.Second

// cursorFrom reads the resume cursor: the cursor query parameter wins,
// then the Last-Event-ID header. Returns the last seq the caller has
// seen, 0 for a fresh stream.
func cursorFrom(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.Query("cursor"))
	if raw == "" {
		raw = strings.TrimSpace(c.GetHeader("Last-Event-ID"))
	}
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, app.ValidationError(fmt.Sprintf("invalid cursor %q", raw))
	}
	return cursor, nil
}

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes one frame. Seq-0 notices (gap, slow subscriber)
// carry no id line so they never move the client's reconnect cursor.
func writeSSEEvent(w http.ResponseWriter, ev eventbus.Event) error {
	data, err := jsonx.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event seq %d: %w", ev.Seq, err)
	}
	if ev.Seq > 0 {
		_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Kind, ev.Seq, data)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	}
	return err
}

// streamSSE drains the subscription into the response until the run
// closes or the client goes away, heartbeating through idle stretches.
func streamSSE(c *gin.Context, sub *eventbus.Subscription, heartbeat time.Duration, obs *observability.Observability, logger logging.Logger) {
	defer sub.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, logger, app.UnavailableError("streaming unsupported"))
		return
	}
	setSSEHeaders(c.Writer)
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	if obs != nil && obs.Metrics != nil {
		obs.Metrics.IncrementStreamSubscribers(c.Request.Context())
		defer obs.Metrics.DecrementStreamSubscribers(c.Request.Context())
	}

	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSEEvent(c.Writer, ev); err != nil {
				logger.Debug("SSE write for run %s: %v", sub.RunID(), err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
