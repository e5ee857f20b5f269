package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arcwire/relay/internal/broker"
	"github.com/arcwire/relay/internal/session"
	"github.com/arcwire/relay/internal/transport"
)

type StatusHandler struct {
	sessions *session.Manager
	broker   *broker.Broker
	hub      *transport.Hub
}

func NewStatusHandler(sessions *session.Manager, b *broker.Broker, hub *transport.Hub) *StatusHandler {
	return &StatusHandler{
		sessions: sessions,
		broker:   b,
		hub:      hub,
	}
}

// GetStatus handles GET /v1/status
func (h *StatusHandler) GetStatus(c *gin.Context) {
	sm := h.sessions.Snapshot()
	bm := h.broker.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"instanceId": h.sessions.InstanceID(),
		"sessions": gin.H{
			"total":      sm.Sessions,
			"active":     sm.ActiveSessions,
			"tokens":     sm.Tokens,
			"reconnects": sm.Reconnects,
		},
		"connections": gin.H{
			"total": h.hub.TotalConnections(),
			"users": h.hub.UserCount(),
		},
		"messages": gin.H{
			"sent":         bm.Sent,
			"delivered":    bm.Delivered,
			"failed":       bm.Failed,
			"queued":       bm.Queued,
			"avgLatencyMs": bm.AvgDeliveryLatency.Milliseconds(),
		},
	})
}
