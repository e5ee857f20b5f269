package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arcwire/relay/internal/api/middleware"
	"github.com/arcwire/relay/internal/session"
	"github.com/arcwire/relay/internal/transport"
)

type SessionHandler struct {
	sessions *session.Manager
	hub      *transport.Hub
}

func NewSessionHandler(sessions *session.Manager, hub *transport.Hub) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		hub:      hub,
	}
}

// SessionResponse represents a session in API responses
type SessionResponse struct {
	ID               string   `json:"id"`
	UserID           string   `json:"userId"`
	DeviceID         string   `json:"deviceId,omitempty"`
	Connections      []string `json:"connections"`
	Active           bool     `json:"active"`
	LastActivity     int64    `json:"lastActivity"`
	ReconnectCount   int      `json:"reconnectCount"`
	TotalConnections int      `json:"totalConnections"`
	CreatedAt        int64    `json:"createdAt"`
	UpdatedAt        int64    `json:"updatedAt"`
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:               s.ID,
		UserID:           s.UserID,
		DeviceID:         s.DeviceID,
		Connections:      s.Connections,
		Active:           s.State.IsActive,
		LastActivity:     s.State.LastActivity.UnixMilli(),
		ReconnectCount:   s.State.ReconnectCount,
		TotalConnections: s.State.TotalConnections,
		CreatedAt:        s.CreatedAt.UnixMilli(),
		UpdatedAt:        s.UpdatedAt.UnixMilli(),
	}
}

// ListSessions handles GET /v1/sessions. It returns the caller's own
// sessions, including ones owned by sibling instances.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	sessions, err := h.sessions.GetByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSession handles GET /v1/sessions/:id. Callers may only read their own
// sessions unless they hold the admin role.
func (h *SessionHandler) GetSession(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	if s.UserID != userID && !hasRole(c, "admin") {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

// GetPresence handles GET /v1/users/:id/presence
func (h *SessionHandler) GetPresence(c *gin.Context) {
	targetID := c.Param("id")

	sessions, err := h.sessions.GetByUser(c.Request.Context(), targetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sessions"})
		return
	}

	active := 0
	for _, s := range sessions {
		if s.State.IsActive {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":           targetID,
		"online":           h.hub.ConnectionCount(targetID) > 0 || active > 0,
		"activeSessions":   active,
		"localConnections": h.hub.ConnectionCount(targetID),
	})
}

func hasRole(c *gin.Context, role string) bool {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		return false
	}
	for _, r := range claims.Roles {
		if r == role {
			return true
		}
	}
	return false
}
