package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/relay/internal/api/middleware"
	"github.com/arcwire/relay/internal/broker"
	"github.com/arcwire/relay/internal/crypto"
	"github.com/arcwire/relay/internal/session"
	"github.com/arcwire/relay/internal/store"
	"github.com/arcwire/relay/internal/transport"
)

const testSecret = "test-master-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	jwt      *crypto.JWTManager
	sessions *session.Manager
	broker   *broker.Broker
	hub      *transport.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	jwtManager, err := crypto.NewJWTManager(testSecret)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	hub := transport.NewHub()
	sessions := session.NewManager(st, session.Options{InstanceID: "test"})
	b := broker.New(st, hub, broker.Options{InstanceID: "test"})

	router := gin.New()
	auth := NewAuthHandler(jwtManager, testSecret)
	sess := NewSessionHandler(sessions, hub)
	msgs := NewMessageHandler(b, nil)
	status := NewStatusHandler(sessions, b, hub)

	v1 := router.Group("/v1")
	v1.POST("/auth/token", auth.PostToken)

	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(jwtManager))
	protected.GET("/sessions", sess.ListSessions)
	protected.GET("/sessions/:id", sess.GetSession)
	protected.GET("/users/:id/presence", sess.GetPresence)
	protected.POST("/messages", msgs.PostMessage)
	protected.GET("/status", middleware.RequireRole("admin"), status.GetStatus)

	return &testEnv{router: router, jwt: jwtManager, sessions: sessions, broker: b, hub: hub}
}

func (e *testEnv) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) tokenFor(t *testing.T, userID string, roles ...string) string {
	t.Helper()

	token, err := e.jwt.CreateToken(userID, "device-1", roles, 0)
	require.NoError(t, err)
	return token
}

func TestPostTokenRequiresMasterSecret(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(`{"userId":"alice"}`))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(`{"userId":"alice"}`))
	req.Header.Set("X-Relay-Secret", testSecret)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	claims, err := env.jwt.VerifyToken(resp.Token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.UserID)
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/v1/sessions", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListAndGetSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.sessions.Attach(ctx, session.Connection{ID: "c1", UserID: "alice", DeviceID: "d1"})
	require.NoError(t, err)

	w := env.request(t, http.MethodGet, "/v1/sessions", env.tokenFor(t, "alice"), "")
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Sessions []SessionResponse `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Sessions, 1)
	require.Equal(t, sess.ID, listResp.Sessions[0].ID)
	require.True(t, listResp.Sessions[0].Active)

	w = env.request(t, http.MethodGet, "/v1/sessions/"+sess.ID, env.tokenFor(t, "alice"), "")
	require.Equal(t, http.StatusOK, w.Code)

	// Another user cannot see the session.
	w = env.request(t, http.MethodGet, "/v1/sessions/"+sess.ID, env.tokenFor(t, "bob"), "")
	require.Equal(t, http.StatusNotFound, w.Code)

	// But an admin can.
	w = env.request(t, http.MethodGet, "/v1/sessions/"+sess.ID, env.tokenFor(t, "bob", "admin"), "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetPresence(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sessions.Attach(context.Background(), session.Connection{ID: "c1", UserID: "alice"})
	require.NoError(t, err)

	w := env.request(t, http.MethodGet, "/v1/users/alice/presence", env.tokenFor(t, "bob"), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Online         bool `json:"online"`
		ActiveSessions int  `json:"activeSessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Online)
	require.Equal(t, 1, resp.ActiveSessions)
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.tokenFor(t, "alice")

	w := env.request(t, http.MethodPost, "/v1/messages", token, `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/v1/messages", token, `{"event":"x"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// No targets and no broadcast flag.
	w = env.request(t, http.MethodPost, "/v1/messages", token, `{"type":"chat"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessageStampsSender(t *testing.T) {
	env := newTestEnv(t)

	var got *broker.Message
	env.broker.Subscribe(broker.MatchType("chat"), func(msg *broker.Message) {
		got = msg
	})

	body := `{"type":"chat","event":"chat.sent","payload":{"text":"hi"},"routing":{"broadcast":true},"sender":{"id":"spoofed"}}`
	w := env.request(t, http.MethodPost, "/v1/messages", env.tokenFor(t, "alice"), body)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.NotNil(t, got)
	require.Equal(t, "alice", got.Sender.ID)
}

func TestStatusRequiresAdminRole(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/v1/status", env.tokenFor(t, "alice"), "")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodGet, "/v1/status", env.tokenFor(t, "alice", "admin"), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		InstanceID string `json:"instanceId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "test", resp.InstanceID)
}
