package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventHeartbeat     = "heartbeat"
	streamSourceBackend      = "ordersync"
	defaultHeartbeatInterval = 25 * time.Second
)

// handleEventStream relays sync outcomes to an EventSource client until it
// disconnects. A heartbeat keeps idle proxies from closing the stream.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event_stream_unavailable"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	subject := c.GetString(adminSubjectContextKey)
	h.logger.Debug("event stream opened", zap.String("subject", subject))
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), event)
			return true
		case <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"source": streamSourceBackend, "timestamp": h.clock().UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("subject", subject))
}
