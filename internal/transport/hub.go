package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arcwire/relay/pkg/logger"
)

// socket is the minimal connection surface the hub needs. Satisfied by
// *websocket.Conn; faked in tests.
type socket interface {
	WriteJSON(v any) error
	Close() error
}

// Event is the wire shape for everything the hub sends.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is one registered client connection.
type Conn struct {
	ID       string
	UserID   string
	DeviceID string
	Roles    []string

	sock   socket
	sendMu sync.Mutex
}

// send serializes writes; gorilla connections do not allow concurrent
// writers.
func (c *Conn) send(event string, payload any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sock.WriteJSON(Event{Event: event, Payload: payload})
}

func (c *Conn) hasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Hub tracks live connections and implements the broker's transport
// primitives over them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn            // connection id -> conn
	users map[string][]*Conn          // user id -> connections, attach order
	rooms map[string]map[string]*Conn // room id -> connection id -> conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		users: make(map[string][]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

// Register adds a connection to the registry.
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID] = conn
	h.users[conn.UserID] = append(h.users[conn.UserID], conn)
}

// Unregister removes a connection and its room memberships.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)

	conns := h.users[conn.UserID]
	for i, c := range conns {
		if c.ID == connID {
			h.users[conn.UserID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.users[conn.UserID]) == 0 {
		delete(h.users, conn.UserID)
	}

	for roomID, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// JoinRoom adds the connection to a room. Unknown connections are ignored.
func (h *Hub) JoinRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[roomID] = members
	}
	members[connID] = conn
}

// LeaveRoom removes the connection from a room.
func (h *Hub) LeaveRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// snapshotUser returns a copy of a user's connections.
func (h *Hub) snapshotUser(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.users[userID]
	out := make([]*Conn, len(conns))
	copy(out, conns)
	return out
}

// SendToUser delivers the event to every local connection of the user. A
// user with no local connections is not an error: a sibling instance may own
// them.
func (h *Hub) SendToUser(_ context.Context, userID, event string, payload any) error {
	return h.sendAll(h.snapshotUser(userID), event, payload)
}

// SendToRole delivers the event to every local connection whose user holds
// the role.
func (h *Hub) SendToRole(_ context.Context, role, event string, payload any) error {
	h.mu.RLock()
	var targets []*Conn
	for _, conn := range h.conns {
		if conn.hasRole(role) {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()
	return h.sendAll(targets, event, payload)
}

// SendToRoom delivers the event to every local member of the room.
func (h *Hub) SendToRoom(_ context.Context, roomID, event string, payload any) error {
	h.mu.RLock()
	members := h.rooms[roomID]
	targets := make([]*Conn, 0, len(members))
	for _, conn := range members {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	return h.sendAll(targets, event, payload)
}

// SendToAll delivers the event to every local connection.
func (h *Hub) SendToAll(_ context.Context, event string, payload any) error {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	return h.sendAll(targets, event, payload)
}

func (h *Hub) sendAll(targets []*Conn, event string, payload any) error {
	var errs []error
	for _, conn := range targets {
		if err := conn.send(event, payload); err != nil {
			logger.Warnf("transport: send %s to connection %s: %v", event, conn.ID, err)
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SendToConnection delivers the event to one specific connection.
func (h *Hub) SendToConnection(connID, event string, payload any) error {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}
	return conn.send(event, payload)
}

// ConnectionCount returns the number of live local connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// TotalConnections returns the number of live local connections.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserCount returns the number of users with at least one local connection.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}
