package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ClientMetadata describes the client behind a connection.
type ClientMetadata struct {
	UserAgent string `json:"userAgent,omitempty"`
	IP        string `json:"ip,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Connection identifies one live transport-level socket being attached to a
// session.
type Connection struct {
	ID       string
	UserID   string
	DeviceID string
	Metadata ClientMetadata
}

// State holds the mutable activity state of a session.
type State struct {
	IsActive         bool
	LastActivity     time.Time
	ReconnectCount   int
	TotalConnections int
}

// Session is the logical presence of one (user, device) pair, independent of
// any single connection. Connections holds attached connection ids in attach
// order.
type Session struct {
	ID       string
	UserID   string
	DeviceID string

	Connections []string
	Metadata    ClientMetadata
	State       State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasConnection reports whether id is currently attached.
func (s *Session) HasConnection(id string) bool {
	for _, c := range s.Connections {
		if c == id {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand out while the manager keeps mutating the
// original.
func (s *Session) clone() *Session {
	out := *s
	out.Connections = make([]string, len(s.Connections))
	copy(out.Connections, s.Connections)
	return &out
}

// ReconnectionToken is a single-use credential allowing a new connection to
// resume an inactive session before the token expires.
type ReconnectionToken struct {
	Token     string
	SessionID string
	UserID    string
	ExpiresAt time.Time
	Metadata  map[string]any
}

// Expired reports whether the token is past its deadline at time now.
func (t *ReconnectionToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// DeriveSessionID deterministically derives the session id for a
// (user, device) pair. The same pair always maps to the same session.
func DeriveSessionID(userID, deviceID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + deviceID))
	return hex.EncodeToString(sum[:16])
}

// sessionRecord is the persisted shape of a session in the shared store.
// Timestamps are unix milliseconds.
type sessionRecord struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	DeviceID    string         `json:"deviceId,omitempty"`
	Connections []string       `json:"connections"`
	Metadata    ClientMetadata `json:"metadata"`
	State       stateRecord    `json:"state"`
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   int64          `json:"updatedAt"`
}

type stateRecord struct {
	IsActive         bool  `json:"isActive"`
	LastActivity     int64 `json:"lastActivity"`
	ReconnectCount   int   `json:"reconnectCount"`
	TotalConnections int   `json:"totalConnections"`
}

// tokenRecord is the persisted shape of a reconnection token.
type tokenRecord struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Token     string         `json:"token"`
	ExpiresAt int64          `json:"expiresAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func encodeSession(s *Session) (string, error) {
	rec := sessionRecord{
		ID:          s.ID,
		UserID:      s.UserID,
		DeviceID:    s.DeviceID,
		Connections: s.Connections,
		Metadata:    s.Metadata,
		State: stateRecord{
			IsActive:         s.State.IsActive,
			LastActivity:     s.State.LastActivity.UnixMilli(),
			ReconnectCount:   s.State.ReconnectCount,
			TotalConnections: s.State.TotalConnections,
		},
		CreatedAt: s.CreatedAt.UnixMilli(),
		UpdatedAt: s.UpdatedAt.UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return string(raw), nil
}

func decodeSession(raw string) (*Session, error) {
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &Session{
		ID:          rec.ID,
		UserID:      rec.UserID,
		DeviceID:    rec.DeviceID,
		Connections: rec.Connections,
		Metadata:    rec.Metadata,
		State: State{
			IsActive:         rec.State.IsActive,
			LastActivity:     time.UnixMilli(rec.State.LastActivity),
			ReconnectCount:   rec.State.ReconnectCount,
			TotalConnections: rec.State.TotalConnections,
		},
		CreatedAt: time.UnixMilli(rec.CreatedAt),
		UpdatedAt: time.UnixMilli(rec.UpdatedAt),
	}, nil
}

func encodeToken(t *ReconnectionToken) (string, error) {
	rec := tokenRecord{
		SessionID: t.SessionID,
		UserID:    t.UserID,
		Token:     t.Token,
		ExpiresAt: t.ExpiresAt.UnixMilli(),
		Metadata:  t.Metadata,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode token for session %s: %w", t.SessionID, err)
	}
	return string(raw), nil
}

func decodeToken(raw string) (*ReconnectionToken, error) {
	var rec tokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &ReconnectionToken{
		Token:     rec.Token,
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		ExpiresAt: time.UnixMilli(rec.ExpiresAt),
		Metadata:  rec.Metadata,
	}, nil
}
