package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	events  []Event
	writeEr error
	closed  bool
}

func (f *fakeSocket) WriteJSON(v any) error {
	if f.writeEr != nil {
		return f.writeEr
	}
	f.events = append(f.events, v.(Event))
	return nil
}

func (f *fakeSocket) Close() error {
	f.closed = true
	return nil
}

func addConn(h *Hub, id, userID string, roles ...string) (*Conn, *fakeSocket) {
	sock := &fakeSocket{}
	conn := &Conn{ID: id, UserID: userID, Roles: roles, sock: sock}
	h.Register(conn)
	return conn, sock
}

func eventNames(sock *fakeSocket) []string {
	var out []string
	for _, e := range sock.events {
		out = append(out, e.Event)
	}
	return out
}

func TestSendToUser(t *testing.T) {
	h := NewHub()
	_, a1 := addConn(h, "c1", "alice")
	_, a2 := addConn(h, "c2", "alice")
	_, b := addConn(h, "c3", "bob")

	require.NoError(t, h.SendToUser(context.Background(), "alice", "hello", "x"))

	require.Equal(t, []string{"hello"}, eventNames(a1))
	require.Equal(t, []string{"hello"}, eventNames(a2))
	require.Empty(t, b.events)
}

func TestSendToUnknownUserIsNotAnError(t *testing.T) {
	h := NewHub()
	require.NoError(t, h.SendToUser(context.Background(), "nobody", "hello", nil))
}

func TestSendToRole(t *testing.T) {
	h := NewHub()
	_, admin := addConn(h, "c1", "alice", "admin")
	_, plain := addConn(h, "c2", "bob")

	require.NoError(t, h.SendToRole(context.Background(), "admin", "notice", nil))

	require.Equal(t, []string{"notice"}, eventNames(admin))
	require.Empty(t, plain.events)
}

func TestSendToRoom(t *testing.T) {
	h := NewHub()
	_, in := addConn(h, "c1", "alice")
	_, out := addConn(h, "c2", "bob")
	h.JoinRoom("c1", "lobby")

	require.NoError(t, h.SendToRoom(context.Background(), "lobby", "chat", "hi"))
	require.Equal(t, []string{"chat"}, eventNames(in))
	require.Empty(t, out.events)

	h.LeaveRoom("c1", "lobby")
	require.NoError(t, h.SendToRoom(context.Background(), "lobby", "chat", "hi"))
	require.Len(t, in.events, 1)
}

func TestSendToAll(t *testing.T) {
	h := NewHub()
	_, a := addConn(h, "c1", "alice")
	_, b := addConn(h, "c2", "bob")

	require.NoError(t, h.SendToAll(context.Background(), "announce", nil))
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
}

func TestUnregisterDropsRoomsAndCounts(t *testing.T) {
	h := NewHub()
	addConn(h, "c1", "alice")
	addConn(h, "c2", "alice")
	h.JoinRoom("c1", "lobby")

	require.Equal(t, 2, h.ConnectionCount("alice"))
	require.Equal(t, 1, h.UserCount())

	h.Unregister("c1")
	require.Equal(t, 1, h.ConnectionCount("alice"))
	require.NoError(t, h.SendToRoom(context.Background(), "lobby", "chat", nil))

	h.Unregister("c2")
	require.Equal(t, 0, h.ConnectionCount("alice"))
	require.Equal(t, 0, h.UserCount())
	require.Equal(t, 0, h.TotalConnections())

	// Repeat unregister is a no-op.
	h.Unregister("c2")
}

func TestSendErrorsAreJoined(t *testing.T) {
	h := NewHub()
	_, bad := addConn(h, "c1", "alice")
	bad.writeEr = errors.New("broken pipe")
	_, good := addConn(h, "c2", "alice")

	err := h.SendToUser(context.Background(), "alice", "hello", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "c1")

	// The healthy connection still got the event.
	require.Equal(t, []string{"hello"}, eventNames(good))
}

func TestSendToConnection(t *testing.T) {
	h := NewHub()
	_, sock := addConn(h, "c1", "alice")

	require.NoError(t, h.SendToConnection("c1", "direct", nil))
	require.Equal(t, []string{"direct"}, eventNames(sock))

	require.Error(t, h.SendToConnection("missing", "direct", nil))
}
