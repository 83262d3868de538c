package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"runway/internal/eventbus"
	"runway/internal/observability"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
)

const wsWriteWait = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin policy is enforced by the CORS middleware.
		return true
	},
}

// streamWS mirrors the subscription over a WebSocket: each event is one
// text frame carrying the event JSON, pings cover idle stretches, and
// run.closed ends with a normal close frame.
func streamWS(c *gin.Context, sub *eventbus.Subscription, heartbeat time.Duration, obs *observability.Observability, logger logging.Logger) {
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logger.Debug("WS upgrade for run %s: %v", sub.RunID(), err)
		return
	}
	defer conn.Close()

	if obs != nil && obs.Metrics != nil {
		obs.Metrics.IncrementStreamSubscribers(c.Request.Context())
		defer obs.Metrics.DecrementStreamSubscribers(c.Request.Context())
	}

	// Reader drains client frames so close handshakes are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				deadline := time.Now().Add(wsWriteWait)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run closed"), deadline)
				return
			}
			data, err := jsonx.Marshal(ev)
			if err != nil {
				logger.Error("WS encode event seq %d for run %s: %v", ev.Seq, sub.RunID(), err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("WS write for run %s: %v", sub.RunID(), err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-clientGone:
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}
