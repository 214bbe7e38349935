package http

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewdesk/backend/internal/infrastructure/monitoring"
)

const ssePingInterval = 25 * time.Second

// StreamEvents serves the dashboard event feed as server-sent events. The
// first event is a full snapshot; deltas follow until the client hangs up.
func (h *Handlers) StreamEvents(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		subID, events := h.orchestrator.Subscribe()
		if events == nil {
			c.JSON(503, gin.H{"error": "event feed unavailable"})
			return
		}
		defer h.orchestrator.Unsubscribe(subID)

		if metrics != nil {
			metrics.IncStreamClients()
			defer metrics.DecStreamClients()
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ping := time.NewTicker(ssePingInterval)
		defer ping.Stop()

		clientGone := c.Request.Context().Done()
		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-events:
				if !ok {
					return false
				}
				c.SSEvent("message", ev)
				return true
			case <-ping.C:
				c.SSEvent("ping", gin.H{"ts": time.Now().Unix()})
				return true
			case <-clientGone:
				return false
			}
		})
	}
}
