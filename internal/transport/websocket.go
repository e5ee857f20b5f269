package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arcwire/relay/internal/crypto"
	"github.com/arcwire/relay/internal/history"
	"github.com/arcwire/relay/internal/session"
	"github.com/arcwire/relay/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are filtered by the CORS layer in front
	},
}

// SessionRegistry is the session surface the server needs.
type SessionRegistry interface {
	Attach(ctx context.Context, conn session.Connection) (*session.Session, error)
	Detach(ctx context.Context, connectionID string) (*session.ReconnectionToken, error)
	Reconnect(ctx context.Context, token string, conn session.Connection) (*session.Session, error)
}

// MessageLog is the delivery history surface used for reconnect replay.
type MessageLog interface {
	RecentForUser(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

// Server accepts WebSocket connections, authenticates them and keeps the hub
// and session registry in sync with their lifecycle.
type Server struct {
	hub      *Hub
	sessions SessionRegistry
	jwt      *crypto.JWTManager
	log      MessageLog

	// ReplayLimit caps how many history entries are replayed on reconnect.
	// Zero means the history package default.
	ReplayLimit int

	// OnSessionInactive, when set, is called after a connection detaches and
	// its session went inactive. The reconnection token cannot be delivered
	// over the socket that just died, so callers use this hook to stash it
	// somewhere a future handshake can reach it.
	OnSessionInactive func(sessionID string, token *session.ReconnectionToken)
}

// NewServer creates a WebSocket server. log may be nil when history replay is
// disabled.
func NewServer(hub *Hub, sessions SessionRegistry, jwt *crypto.JWTManager, log MessageLog) *Server {
	return &Server{
		hub:      hub,
		sessions: sessions,
		jwt:      jwt,
		log:      log,
	}
}

// Hub returns the connection registry backing this server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// clientEvent is the shape of inbound frames.
type clientEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

// HandleWebSocket authenticates, upgrades and services one client
// connection. It returns when the connection closes.
func (s *Server) HandleWebSocket(c *gin.Context) {
	claims, err := s.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	reconnectToken := c.Query("reconnect")

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket: upgrade failed for user %s: %v", claims.UserID, err)
		return
	}
	defer sock.Close()

	conn := session.Connection{
		ID:       uuid.New().String(),
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Metadata: session.ClientMetadata{
			UserAgent: c.Request.UserAgent(),
			IP:        c.ClientIP(),
		},
	}

	sess, resumed, err := s.attach(c.Request.Context(), conn, reconnectToken)
	if err != nil {
		logger.Errorf("websocket: attach failed for user %s: %v", claims.UserID, err)
		return
	}

	hubConn := &Conn{
		ID:       conn.ID,
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Roles:    claims.Roles,
		sock:     sock,
	}
	s.hub.Register(hubConn)
	logger.Infof("websocket: connection %s attached to session %s (user=%s resumed=%v)",
		conn.ID, sess.ID, claims.UserID, resumed)

	if err := hubConn.send("connected", gin.H{
		"connectionId": conn.ID,
		"sessionId":    sess.ID,
		"resumed":      resumed,
	}); err != nil {
		logger.Warnf("websocket: connected event to %s: %v", conn.ID, err)
	}

	if resumed {
		s.replay(c.Request.Context(), hubConn)
	}

	s.readLoop(hubConn, sock)

	s.hub.Unregister(conn.ID)
	s.detach(conn.ID)
	logger.Infof("websocket: connection %s closed (user=%s)", conn.ID, claims.UserID)
}

// authenticate reads the JWT from the token query parameter or the
// Authorization header.
func (s *Server) authenticate(c *gin.Context) (*crypto.TokenClaims, error) {
	raw := c.Query("token")
	if raw == "" {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			raw = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if raw == "" {
		return nil, errors.New("no token supplied")
	}
	return s.jwt.VerifyToken(raw)
}

// attach resumes the session named by the reconnection token when one is
// presented, otherwise starts a fresh attach. A stale or unknown token falls
// back to a fresh attach rather than failing the handshake.
func (s *Server) attach(ctx context.Context, conn session.Connection, token string) (*session.Session, bool, error) {
	if token != "" {
		sess, err := s.sessions.Reconnect(ctx, token, conn)
		if err == nil {
			return sess, true, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, false, err
		}
		logger.Debugf("websocket: reconnection token rejected for user %s, attaching fresh", conn.UserID)
	}
	sess, err := s.sessions.Attach(ctx, conn)
	return sess, false, err
}

// replay resends the user's recent delivery history over the new connection.
func (s *Server) replay(ctx context.Context, conn *Conn) {
	if s.log == nil {
		return
	}
	entries, err := s.log.RecentForUser(ctx, conn.UserID, s.ReplayLimit)
	if err != nil {
		logger.Warnf("websocket: history replay for user %s: %v", conn.UserID, err)
		return
	}
	for _, entry := range entries {
		if err := conn.send(entry.Event, entry.Payload); err != nil {
			logger.Warnf("websocket: replay to connection %s: %v", conn.ID, err)
			return
		}
	}
	if len(entries) > 0 {
		logger.Debugf("websocket: replayed %d entries to connection %s", len(entries), conn.ID)
	}
}

// readLoop services inbound frames until the connection errors or closes.
func (s *Server) readLoop(conn *Conn, sock *websocket.Conn) {
	for {
		var event clientEvent
		if err := sock.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warnf("websocket: read on connection %s: %v", conn.ID, err)
			}
			return
		}
		s.handleEvent(conn, &event)
	}
}

func (s *Server) handleEvent(conn *Conn, event *clientEvent) {
	switch event.Event {
	case "join-room":
		var p roomPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil || p.Room == "" {
			logger.Debugf("websocket: bad join-room payload from %s", conn.ID)
			return
		}
		s.hub.JoinRoom(conn.ID, p.Room)
		logger.Debugf("websocket: connection %s joined room %s", conn.ID, p.Room)

	case "leave-room":
		var p roomPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil || p.Room == "" {
			logger.Debugf("websocket: bad leave-room payload from %s", conn.ID)
			return
		}
		s.hub.LeaveRoom(conn.ID, p.Room)

	case "ping":
		if err := conn.send("pong", nil); err != nil {
			logger.Debugf("websocket: pong to %s: %v", conn.ID, err)
		}

	default:
		logger.Debugf("websocket: unknown event %q from connection %s", event.Event, conn.ID)
	}
}

// detach tells the registry the connection is gone and hands any minted
// reconnection token to the inactive hook.
func (s *Server) detach(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := s.sessions.Detach(ctx, connID)
	if err != nil {
		// A mirror failure still leaves the local detach applied and any
		// minted token valid on this instance, so keep going.
		logger.Warnf("websocket: detach connection %s: %v", connID, err)
	}
	if token != nil && s.OnSessionInactive != nil {
		s.OnSessionInactive(token.SessionID, token)
	}
}
