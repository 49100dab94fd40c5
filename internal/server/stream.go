package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventStatus    = "status"
	streamEventHeartbeat = "heartbeat"
)

// handleEventStream relays change notifications as server-sent events. The first event carries the
// current status so a client knows the stream is live before anything changes.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	var kinds []events.Kind
	for _, raw := range strings.Split(c.Query("kinds"), ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			kinds = append(kinds, events.Kind(trimmed))
		}
	}
	ctx := c.Request.Context()
	stream, cleanup := h.session.Subscribe(ctx, kinds...)
	defer cleanup()

	status, err := h.session.Status(ctx)
	if err != nil {
		h.respondError(c, "event_stream", err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(streamEventStatus, status)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("event stream opened", zap.Int("kinds", len(kinds)))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), event)
			return true
		case now := <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed")
}
