package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcwire/relay/internal/history"
	"github.com/arcwire/relay/internal/session"
)

type fakeRegistry struct {
	reconnectErr error
	attachErr    error
	detachToken  *session.ReconnectionToken
	lastConn     session.Connection
	reconnects   int
	attaches     int
}

func (f *fakeRegistry) Attach(_ context.Context, conn session.Connection) (*session.Session, error) {
	f.attaches++
	f.lastConn = conn
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return &session.Session{ID: "fresh", UserID: conn.UserID}, nil
}

func (f *fakeRegistry) Detach(context.Context, string) (*session.ReconnectionToken, error) {
	return f.detachToken, nil
}

func (f *fakeRegistry) Reconnect(_ context.Context, _ string, conn session.Connection) (*session.Session, error) {
	f.reconnects++
	if f.reconnectErr != nil {
		return nil, f.reconnectErr
	}
	return &session.Session{ID: "resumed", UserID: conn.UserID}, nil
}

type fakeLog struct {
	entries []history.Entry
	err     error
}

func (f *fakeLog) RecentForUser(context.Context, string, int) ([]history.Entry, error) {
	return f.entries, f.err
}

func TestAttachWithoutToken(t *testing.T) {
	reg := &fakeRegistry{}
	srv := NewServer(NewHub(), reg, nil, nil)

	sess, resumed, err := srv.attach(context.Background(), session.Connection{ID: "c1", UserID: "alice"}, "")
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, "fresh", sess.ID)
	require.Equal(t, 0, reg.reconnects)
}

func TestAttachWithValidToken(t *testing.T) {
	reg := &fakeRegistry{}
	srv := NewServer(NewHub(), reg, nil, nil)

	sess, resumed, err := srv.attach(context.Background(), session.Connection{ID: "c1", UserID: "alice"}, "tok")
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, "resumed", sess.ID)
	require.Equal(t, 0, reg.attaches)
}

func TestAttachFallsBackOnRejectedToken(t *testing.T) {
	reg := &fakeRegistry{reconnectErr: session.ErrNotFound}
	srv := NewServer(NewHub(), reg, nil, nil)

	sess, resumed, err := srv.attach(context.Background(), session.Connection{ID: "c1", UserID: "alice"}, "stale")
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, "fresh", sess.ID)
	require.Equal(t, 1, reg.reconnects)
	require.Equal(t, 1, reg.attaches)
}

func TestAttachPropagatesStoreFailure(t *testing.T) {
	reg := &fakeRegistry{reconnectErr: errors.New("store down")}
	srv := NewServer(NewHub(), reg, nil, nil)

	_, _, err := srv.attach(context.Background(), session.Connection{ID: "c1", UserID: "alice"}, "tok")
	require.Error(t, err)
	require.Equal(t, 0, reg.attaches)
}

func TestReplaySendsEntriesInOrder(t *testing.T) {
	log := &fakeLog{entries: []history.Entry{
		{Event: "first", Payload: json.RawMessage(`{"n":1}`)},
		{Event: "second", Payload: json.RawMessage(`{"n":2}`)},
	}}
	srv := NewServer(NewHub(), &fakeRegistry{}, nil, log)

	sock := &fakeSocket{}
	conn := &Conn{ID: "c1", UserID: "alice", sock: sock}
	srv.replay(context.Background(), conn)

	require.Equal(t, []string{"first", "second"}, eventNames(sock))
}

func TestReplayToleratesLogFailure(t *testing.T) {
	srv := NewServer(NewHub(), &fakeRegistry{}, nil, &fakeLog{err: errors.New("disk gone")})

	sock := &fakeSocket{}
	srv.replay(context.Background(), &Conn{ID: "c1", UserID: "alice", sock: sock})
	require.Empty(t, sock.events)
}

func TestHandleEventRooms(t *testing.T) {
	hub := NewHub()
	srv := NewServer(hub, &fakeRegistry{}, nil, nil)

	sock := &fakeSocket{}
	conn := &Conn{ID: "c1", UserID: "alice", sock: sock}
	hub.Register(conn)

	srv.handleEvent(conn, &clientEvent{Event: "join-room", Payload: json.RawMessage(`{"room":"lobby"}`)})
	require.NoError(t, hub.SendToRoom(context.Background(), "lobby", "chat", nil))
	require.Equal(t, []string{"chat"}, eventNames(sock))

	srv.handleEvent(conn, &clientEvent{Event: "leave-room", Payload: json.RawMessage(`{"room":"lobby"}`)})
	require.NoError(t, hub.SendToRoom(context.Background(), "lobby", "chat", nil))
	require.Len(t, sock.events, 1)

	// Malformed payloads are ignored.
	srv.handleEvent(conn, &clientEvent{Event: "join-room", Payload: json.RawMessage(`{}`)})
	srv.handleEvent(conn, &clientEvent{Event: "join-room", Payload: json.RawMessage(`not json`)})
}

func TestHandleEventPing(t *testing.T) {
	srv := NewServer(NewHub(), &fakeRegistry{}, nil, nil)

	sock := &fakeSocket{}
	conn := &Conn{ID: "c1", UserID: "alice", sock: sock}
	srv.handleEvent(conn, &clientEvent{Event: "ping"})
	require.Equal(t, []string{"pong"}, eventNames(sock))
}

func TestDetachInvokesInactiveHook(t *testing.T) {
	token := &session.ReconnectionToken{Token: "tok", SessionID: "s1", UserID: "alice"}
	reg := &fakeRegistry{detachToken: token}
	srv := NewServer(NewHub(), reg, nil, nil)

	var gotSession string
	var gotToken *session.ReconnectionToken
	srv.OnSessionInactive = func(sessionID string, t *session.ReconnectionToken) {
		gotSession = sessionID
		gotToken = t
	}

	srv.detach("c1")
	require.Equal(t, "s1", gotSession)
	require.Same(t, token, gotToken)
}
