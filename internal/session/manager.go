package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcwire/relay/internal/crypto"
	"github.com/arcwire/relay/internal/store"
	"github.com/arcwire/relay/pkg/logger"
)

// ErrNotFound is returned when a session or reconnection token does not
// exist. Expired and replayed tokens intentionally map onto the same error so
// callers cannot distinguish them.
var ErrNotFound = errors.New("session: not found")

const (
	sessionKeyPrefix = "session:"
	userIndexPrefix  = "user_sessions:"
	tokenKeyPrefix   = "reconnect:"

	// clusterChannel carries session change notifications so sibling
	// instances can refresh local caches without polling.
	clusterChannel = "cluster:session_updates"

	tokenBytes = 32
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	// InstanceID identifies this process on the cluster channel. Defaults to
	// a random token.
	InstanceID string
	// SessionTTL is the sliding expiry applied to mirrored sessions.
	SessionTTL time.Duration
	// TokenTTL is the lifetime of reconnection tokens.
	TokenTTL time.Duration
	// InactiveGrace is how long an inactive session survives before the
	// cleanup sweep evicts it.
	InactiveGrace time.Duration
	// CleanupInterval is the period of the cleanup sweep.
	CleanupInterval time.Duration
	// Now overrides the time source. Intended for tests.
	Now func() time.Time
}

// Manager owns the mapping from logical sessions to live connection ids and
// mirrors it to the shared store for cluster visibility.
type Manager struct {
	store      store.Store
	instanceID string

	sessionTTL      time.Duration
	tokenTTL        time.Duration
	inactiveGrace   time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	tokens   map[string]*ReconnectionToken
	// spent records token strings already consumed by Reconnect, so a
	// concurrent replay cannot win through the store mirror before the
	// mirror's delete lands. Entries are pruned by the cleanup sweep.
	spent map[string]time.Time

	reconnects atomic.Int64

	sub    store.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// clusterUpdate is the notification published on the cluster channel.
type clusterUpdate struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Origin    string `json:"origin,omitempty"`
}

// NewManager creates a session manager backed by st.
func NewManager(st store.Store, opts Options) *Manager {
	if opts.InstanceID == "" {
		if tok, err := crypto.NewOpaqueToken(8); err == nil {
			opts.InstanceID = tok
		} else {
			opts.InstanceID = fmt.Sprintf("instance-%d", time.Now().UnixNano())
		}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 5 * time.Minute
	}
	if opts.InactiveGrace <= 0 {
		opts.InactiveGrace = 30 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:           st,
		instanceID:      opts.InstanceID,
		sessionTTL:      opts.SessionTTL,
		tokenTTL:        opts.TokenTTL,
		inactiveGrace:   opts.InactiveGrace,
		cleanupInterval: opts.CleanupInterval,
		now:             opts.Now,
		sessions:        make(map[string]*Session),
		tokens:          make(map[string]*ReconnectionToken),
		spent:           make(map[string]time.Time),
	}
}

// InstanceID returns the identifier used on cluster channels.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Start subscribes to cluster session notifications and launches the
// periodic cleanup sweep. Stop with Close.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.store.SubscribeByPattern(ctx, clusterChannel, m.handleClusterUpdate)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", clusterChannel, err)
	}
	m.sub = sub

	sweepCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.cleanup(sweepCtx)
			}
		}
	}()
	return nil
}

// Close stops the cleanup sweep and the cluster subscription.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	if m.sub != nil {
		if err := m.sub.Close(); err != nil {
			logger.Warnf("session: closing cluster subscription: %v", err)
		}
	}
}

// Attach locates or creates the session for the connection's (user, device)
// pair, appends the connection and mirrors the result to the shared store.
//
// The returned session is always valid; a non-nil error means the mirror
// write failed and the stored copy may be stale.
func (m *Manager) Attach(ctx context.Context, conn Connection) (*Session, error) {
	if conn.ID == "" || conn.UserID == "" {
		return nil, fmt.Errorf("attach: connection id and user id are required")
	}

	id := DeriveSessionID(conn.UserID, conn.DeviceID)
	now := m.now()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		// Not cached locally; a sibling instance may own it.
		if loaded, err := m.loadSession(ctx, id); err == nil {
			s = loaded
			m.sessions[id] = s
			ok = true
		} else if !errors.Is(err, ErrNotFound) {
			logger.Warnf("session: load %s on attach: %v", id, err)
		}
	}

	if ok {
		if !s.HasConnection(conn.ID) {
			s.Connections = append(s.Connections, conn.ID)
		}
		s.State.IsActive = true
		s.State.LastActivity = now
		s.State.TotalConnections++
		s.Metadata = conn.Metadata
		s.UpdatedAt = now
	} else {
		s = &Session{
			ID:          id,
			UserID:      conn.UserID,
			DeviceID:    conn.DeviceID,
			Connections: []string{conn.ID},
			Metadata:    conn.Metadata,
			State: State{
				IsActive:         true,
				LastActivity:     now,
				TotalConnections: 1,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.sessions[id] = s
	}
	out := s.clone()
	m.mu.Unlock()

	if err := m.mirrorSession(ctx, out, "attach"); err != nil {
		return out, err
	}
	return out, nil
}

// Detach removes the connection from whichever local session holds it. When
// the last connection detaches the session flips inactive and a reconnection
// token is minted and returned; otherwise the token is nil. Unknown
// connection ids are a no-op.
func (m *Manager) Detach(ctx context.Context, connectionID string) (*ReconnectionToken, error) {
	now := m.now()

	m.mu.Lock()
	var s *Session
	for _, cand := range m.sessions {
		if cand.HasConnection(connectionID) {
			s = cand
			break
		}
	}
	if s == nil {
		m.mu.Unlock()
		return nil, nil
	}

	for i, c := range s.Connections {
		if c == connectionID {
			s.Connections = append(s.Connections[:i], s.Connections[i+1:]...)
			break
		}
	}
	s.State.LastActivity = now
	s.UpdatedAt = now

	var token *ReconnectionToken
	if len(s.Connections) == 0 {
		s.State.IsActive = false
		minted, err := m.mintTokenLocked(s, now)
		if err != nil {
			logger.Warnf("session: minting reconnection token for %s: %v", s.ID, err)
		} else {
			token = minted
		}
	}
	out := s.clone()
	m.mu.Unlock()

	// Both mirrors are attempted regardless of the other failing; the local
	// state has already changed, so the caller must learn the store may be
	// stale. The token is still returned: it remains valid on this instance.
	var errs []error
	if token != nil {
		if err := m.writeToken(ctx, token); err != nil {
			errs = append(errs, fmt.Errorf("mirror token for %s: %w", out.ID, err))
		}
	}
	if err := m.mirrorSession(ctx, out, "detach"); err != nil {
		errs = append(errs, err)
	}
	return token, errors.Join(errs...)
}

// Get returns the session by id, consulting the local cache first and the
// shared store second. Store unavailability degrades to ErrNotFound for this
// read path.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		out := s.clone()
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	loaded, err := m.loadSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warnf("session: load %s: %v", sessionID, err)
		}
		return nil, ErrNotFound
	}

	m.mu.Lock()
	cached := m.mergeLocked(loaded)
	out := cached.clone()
	m.mu.Unlock()
	return out, nil
}

// GetByUser returns all known sessions for a user: the locally cached ones
// plus any ids in the store's per-user index that are not yet cached.
func (m *Manager) GetByUser(ctx context.Context, userID string) ([]*Session, error) {
	seen := make(map[string]struct{})
	var out []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s.clone())
			seen[id] = struct{}{}
		}
	}
	m.mu.Unlock()

	ids, err := m.store.SetMembers(ctx, userIndexPrefix+userID)
	if err != nil {
		logger.Warnf("session: user index read for %s: %v", userID, err)
		return out, nil
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		s, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// IssueReconnectionToken mints a fresh single-use token for the session and
// mirrors it to the shared store with the token TTL.
func (m *Manager) IssueReconnectionToken(ctx context.Context, s *Session) (*ReconnectionToken, error) {
	now := m.now()

	m.mu.Lock()
	token, err := m.mintTokenLocked(s, now)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.writeToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// mintTokenLocked creates and caches a token. Caller holds m.mu.
func (m *Manager) mintTokenLocked(s *Session, now time.Time) (*ReconnectionToken, error) {
	raw, err := crypto.NewOpaqueToken(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	token := &ReconnectionToken{
		Token:     raw,
		SessionID: s.ID,
		UserID:    s.UserID,
		ExpiresAt: now.Add(m.tokenTTL),
		Metadata: map[string]any{
			"deviceId":     s.DeviceID,
			"platform":     s.Metadata.Platform,
			"lastActivity": s.State.LastActivity.UnixMilli(),
		},
	}
	m.tokens[raw] = token
	return token, nil
}

func (m *Manager) writeToken(ctx context.Context, token *ReconnectionToken) error {
	enc, err := encodeToken(token)
	if err != nil {
		return err
	}
	if err := m.store.SetWithTTL(ctx, tokenKeyPrefix+token.Token, enc, m.tokenTTL); err != nil {
		return fmt.Errorf("mirror token for session %s: %w", token.SessionID, err)
	}
	return nil
}

// ValidateReconnectionToken resolves a token string. Expired tokens are
// deleted and reported as ErrNotFound (fail closed).
func (m *Manager) ValidateReconnectionToken(ctx context.Context, raw string) (*ReconnectionToken, error) {
	m.mu.Lock()
	if _, used := m.spent[raw]; used {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	token, ok := m.tokens[raw]
	m.mu.Unlock()

	if !ok {
		enc, err := m.store.Get(ctx, tokenKeyPrefix+raw)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warnf("session: token read: %v", err)
			}
			return nil, ErrNotFound
		}
		token, err = decodeToken(enc)
		if err != nil {
			return nil, ErrNotFound
		}
	}

	if token.Expired(m.now()) {
		m.discardToken(ctx, raw)
		return nil, ErrNotFound
	}
	cp := *token
	return &cp, nil
}

// Reconnect consumes the token and attaches the new connection to the
// session it references. A token can succeed at most once; any later use
// observes ErrNotFound.
func (m *Manager) Reconnect(ctx context.Context, raw string, conn Connection) (*Session, error) {
	now := m.now()

	m.mu.Lock()
	if _, used := m.spent[raw]; used {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	// Consume before any store I/O so a concurrent second attempt fails
	// closed even while the store copy still exists.
	m.spent[raw] = now
	token, ok := m.tokens[raw]
	if ok {
		delete(m.tokens, raw)
	}
	m.mu.Unlock()

	if ok && token.Expired(now) {
		m.discardToken(ctx, raw)
		return nil, ErrNotFound
	}
	if !ok {
		enc, err := m.store.Get(ctx, tokenKeyPrefix+raw)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warnf("session: token read on reconnect: %v", err)
			}
			// Nothing was consumed; a later retry of this token may still
			// find it once the store recovers.
			m.mu.Lock()
			delete(m.spent, raw)
			m.mu.Unlock()
			return nil, ErrNotFound
		}
		token, err = decodeToken(enc)
		if err != nil || token.Expired(now) {
			m.discardToken(ctx, raw)
			return nil, ErrNotFound
		}
	}

	// The token is spent regardless of whether the reconnect below succeeds.
	m.discardToken(ctx, raw)

	m.mu.Lock()
	s, cached := m.sessions[token.SessionID]
	if !cached {
		loaded, err := m.loadSession(ctx, token.SessionID)
		if err != nil {
			m.mu.Unlock()
			return nil, ErrNotFound
		}
		s = loaded
		m.sessions[s.ID] = s
	}

	if !s.HasConnection(conn.ID) {
		s.Connections = append(s.Connections, conn.ID)
	}
	s.State.IsActive = true
	s.State.LastActivity = now
	s.State.ReconnectCount++
	s.State.TotalConnections++
	s.UpdatedAt = now
	out := s.clone()
	m.mu.Unlock()

	m.reconnects.Add(1)

	if err := m.mirrorSession(ctx, out, "reconnect"); err != nil {
		return out, err
	}
	return out, nil
}

// discardToken removes the token locally and from the shared store.
func (m *Manager) discardToken(ctx context.Context, raw string) {
	m.mu.Lock()
	delete(m.tokens, raw)
	m.mu.Unlock()
	if err := m.store.Delete(ctx, tokenKeyPrefix+raw); err != nil {
		logger.Warnf("session: deleting token: %v", err)
	}
}

// SyncWithCluster hydrates active sessions written by sibling instances that
// are not yet cached locally. Running it repeatedly with no intervening
// writes is a no-op.
func (m *Manager) SyncWithCluster(ctx context.Context) error {
	keys, err := m.store.KeysByPrefix(ctx, sessionKeyPrefix)
	if err != nil {
		return fmt.Errorf("cluster sync: %w", err)
	}

	for _, key := range keys {
		id := key[len(sessionKeyPrefix):]

		m.mu.Lock()
		_, cached := m.sessions[id]
		m.mu.Unlock()
		if cached {
			continue
		}

		loaded, err := m.loadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return fmt.Errorf("cluster sync: %w", err)
		}
		if !loaded.State.IsActive {
			continue
		}

		m.mu.Lock()
		m.mergeLocked(loaded)
		m.mu.Unlock()
	}
	return nil
}

// Metrics is a read-only snapshot of session manager state.
type Metrics struct {
	Sessions       int
	ActiveSessions int
	Connections    int
	Tokens         int
	Reconnects     int64
}

// Snapshot returns current counters for monitoring.
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		Sessions:   len(m.sessions),
		Tokens:     len(m.tokens),
		Reconnects: m.reconnects.Load(),
	}
	for _, s := range m.sessions {
		if s.State.IsActive {
			out.ActiveSessions++
		}
		out.Connections += len(s.Connections)
	}
	return out
}

// cleanup evicts sessions inactive beyond the grace period and expired
// tokens. Individual store failures are logged and do not abort the sweep.
func (m *Manager) cleanup(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var evicted []*Session
	for id, s := range m.sessions {
		if !s.State.IsActive && now.Sub(s.State.LastActivity) > m.inactiveGrace {
			delete(m.sessions, id)
			evicted = append(evicted, s)
		}
	}
	var expiredTokens []string
	for raw, token := range m.tokens {
		if token.Expired(now) {
			delete(m.tokens, raw)
			expiredTokens = append(expiredTokens, raw)
		}
	}
	// Spent markers only need to outlive the token they blocked.
	for raw, usedAt := range m.spent {
		if now.Sub(usedAt) > m.tokenTTL {
			delete(m.spent, raw)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		if err := m.store.Delete(ctx, sessionKeyPrefix+s.ID); err != nil {
			logger.Warnf("session: cleanup delete %s: %v", s.ID, err)
		}
		if err := m.store.RemoveFromSet(ctx, userIndexPrefix+s.UserID, s.ID); err != nil {
			logger.Warnf("session: cleanup index %s: %v", s.ID, err)
		}
		m.publishClusterUpdate(ctx, "delete", s)
	}
	for _, raw := range expiredTokens {
		if err := m.store.Delete(ctx, tokenKeyPrefix+raw); err != nil {
			logger.Warnf("session: cleanup token: %v", err)
		}
	}
	if len(evicted) > 0 || len(expiredTokens) > 0 {
		logger.Debugf("session: cleanup evicted %d sessions, %d tokens", len(evicted), len(expiredTokens))
	}
}

// loadSession reads and decodes a session from the shared store.
func (m *Manager) loadSession(ctx context.Context, id string) (*Session, error) {
	enc, err := m.store.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeSession(enc)
}

// mergeLocked applies last-write-wins by UpdatedAt between an incoming store
// copy and any local copy, and returns the cached winner. Caller holds m.mu.
func (m *Manager) mergeLocked(incoming *Session) *Session {
	if local, ok := m.sessions[incoming.ID]; ok {
		if !incoming.UpdatedAt.After(local.UpdatedAt) {
			return local
		}
	}
	m.sessions[incoming.ID] = incoming
	return incoming
}

// mirrorSession writes the session to the shared store with a sliding TTL,
// maintains the per-user index and notifies the cluster channel.
func (m *Manager) mirrorSession(ctx context.Context, s *Session, updateType string) error {
	enc, err := encodeSession(s)
	if err != nil {
		return err
	}
	if err := m.store.SetWithTTL(ctx, sessionKeyPrefix+s.ID, enc, m.sessionTTL); err != nil {
		return fmt.Errorf("mirror session %s: %w", s.ID, err)
	}
	if err := m.store.AddToSet(ctx, userIndexPrefix+s.UserID, s.ID); err != nil {
		return fmt.Errorf("index session %s: %w", s.ID, err)
	}
	if err := m.store.Expire(ctx, userIndexPrefix+s.UserID, m.sessionTTL); err != nil {
		logger.Warnf("session: refreshing index ttl for %s: %v", s.UserID, err)
	}
	m.publishClusterUpdate(ctx, updateType, s)
	return nil
}

func (m *Manager) publishClusterUpdate(ctx context.Context, updateType string, s *Session) {
	payload, err := json.Marshal(clusterUpdate{
		Type:      updateType,
		SessionID: s.ID,
		UserID:    s.UserID,
		Timestamp: m.now().UnixMilli(),
		Origin:    m.instanceID,
	})
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, clusterChannel, payload); err != nil {
		logger.Warnf("session: cluster publish for %s: %v", s.ID, err)
	}
}

// handleClusterUpdate reacts to notifications from sibling instances by
// refreshing or dropping the local cache entry for the named session.
func (m *Manager) handleClusterUpdate(_ string, payload []byte) {
	var update clusterUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		logger.Warnf("session: bad cluster update: %v", err)
		return
	}
	if update.Origin == m.instanceID {
		return
	}

	m.mu.Lock()
	_, cached := m.sessions[update.SessionID]
	if cached && update.Type == "delete" {
		delete(m.sessions, update.SessionID)
	}
	m.mu.Unlock()

	if !cached || update.Type == "delete" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	loaded, err := m.loadSession(ctx, update.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.mu.Lock()
			delete(m.sessions, update.SessionID)
			m.mu.Unlock()
		}
		return
	}

	m.mu.Lock()
	m.mergeLocked(loaded)
	m.mu.Unlock()
}
