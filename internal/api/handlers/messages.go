package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arcwire/relay/internal/api/middleware"
	"github.com/arcwire/relay/internal/broker"
	"github.com/arcwire/relay/internal/history"
)

type MessageHandler struct {
	broker *broker.Broker
	log    *history.Log
}

func NewMessageHandler(b *broker.Broker, log *history.Log) *MessageHandler {
	return &MessageHandler{
		broker: b,
		log:    log,
	}
}

// PostMessage handles POST /v1/messages. The body is a broker message; the
// sender is stamped from the verified token, not trusted from the body.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var msg broker.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message body"})
		return
	}
	if msg.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message type is required"})
		return
	}
	if len(msg.Routing.Targets) == 0 && !msg.Routing.Broadcast {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message has no targets"})
		return
	}
	msg.Sender = broker.Sender{ID: userID, Type: "user"}

	id, err := h.broker.Publish(c.Request.Context(), &msg)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery failed", "id": id})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// GetHistory handles GET /v1/messages/history. It returns the caller's
// recent delivery log, oldest first.
func (h *MessageHandler) GetHistory(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= history.DefaultReplayLimit {
			limit = n
		}
	}

	entries, err := h.log.RecentForUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	type entryResponse struct {
		ID        int64  `json:"id"`
		SessionID string `json:"sessionId,omitempty"`
		Event     string `json:"event"`
		Payload   any    `json:"payload"`
		At        int64  `json:"at"`
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:        e.ID,
			SessionID: e.SessionID,
			Event:     e.Event,
			Payload:   e.Payload,
			At:        e.At.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}
