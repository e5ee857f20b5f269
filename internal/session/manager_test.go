package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/arcwire/relay/internal/store"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	st := store.NewMemoryStore()
	st.SetClock(clock.Now)
	m := NewManager(st, Options{
		InstanceID: "test-instance",
		Now:        clock.Now,
	})
	return m, st, clock
}

func conn(id, userID, deviceID string) Connection {
	return Connection{
		ID:       id,
		UserID:   userID,
		DeviceID: deviceID,
		Metadata: ClientMetadata{Platform: "cli", Version: "1.0"},
	}
}

func TestAttach_SameUserDeviceYieldsOneSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)
	s2, err := m.Attach(ctx, conn("c2", "u1", "d1"))
	require.NoError(t, err)
	s3, err := m.Attach(ctx, conn("c3", "u1", "d1"))
	require.NoError(t, err)

	require.Equal(t, s1.ID, s2.ID)
	require.Equal(t, s1.ID, s3.ID)

	// Membership preserves attach order.
	require.Equal(t, []string{"c1", "c2", "c3"}, s3.Connections)
	require.True(t, s3.State.IsActive)
	require.Equal(t, 3, s3.State.TotalConnections)

	sessions, err := m.GetByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestAttach_DifferentDevicesYieldDifferentSessions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Attach(ctx, conn("c1", "u1", "phone"))
	require.NoError(t, err)
	s2, err := m.Attach(ctx, conn("c2", "u1", "laptop"))
	require.NoError(t, err)
	require.NotEqual(t, s1.ID, s2.ID)
}

func TestDetach_LastConnectionDeactivatesAndMintsToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)
	_, err = m.Attach(ctx, conn("c2", "u1", "d1"))
	require.NoError(t, err)

	// Detaching a non-last connection leaves the session active with no token.
	token, err := m.Detach(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, token)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, got.State.IsActive)
	require.Equal(t, []string{"c2"}, got.Connections)

	// Detaching the last one deactivates and mints exactly one token.
	token, err = m.Detach(ctx, "c2")
	require.NoError(t, err)
	require.NotNil(t, token)
	require.Equal(t, s.ID, token.SessionID)
	require.Equal(t, "u1", token.UserID)

	got, err = m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, got.State.IsActive)
	require.Empty(t, got.Connections)
}

func TestDetach_UnknownConnectionIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)

	token, err := m.Detach(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, token)
}

func TestReconnect_TokenIsSingleUse(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)
	token, err := m.Detach(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, token)

	got, err := m.Reconnect(ctx, token.Token, conn("c2", "u1", "d1"))
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.True(t, got.State.IsActive)
	require.Equal(t, []string{"c2"}, got.Connections)
	require.Equal(t, 1, got.State.ReconnectCount)

	// Replaying the spent token observes not-found.
	_, err = m.Reconnect(ctx, token.Token, conn("c3", "u1", "d1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidateReconnectionToken_ExpiryFailsClosed(t *testing.T) {
	m, st, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)
	token, err := m.Detach(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, token)

	// Valid before expiry.
	rt, err := m.ValidateReconnectionToken(ctx, token.Token)
	require.NoError(t, err)
	require.Equal(t, token.SessionID, rt.SessionID)

	// Past the deadline the token is gone, including its stored copy.
	clock.Advance(6 * time.Minute)
	_, err = m.ValidateReconnectionToken(ctx, token.Token)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = st.Get(ctx, "reconnect:"+token.Token)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Reconnect(ctx, token.Token, conn("c2", "u1", "d1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGet_HydratesFromStore(t *testing.T) {
	// A sibling instance writes the session; this instance only has the
	// store to go by.
	sibling, st, clock := newTestManager(t)
	ctx := context.Background()

	s, err := sibling.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)

	local := NewManager(st, Options{InstanceID: "other", Now: clock.Now})
	got, err := local.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, []string{"c1"}, got.Connections)

	_, err = local.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetByUser_LazyHydration(t *testing.T) {
	sibling, st, clock := newTestManager(t)
	ctx := context.Background()

	_, err := sibling.Attach(ctx, conn("c1", "u1", "phone"))
	require.NoError(t, err)
	_, err = sibling.Attach(ctx, conn("c2", "u1", "laptop"))
	require.NoError(t, err)

	local := NewManager(st, Options{InstanceID: "other", Now: clock.Now})
	sessions, err := local.GetByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestSyncWithCluster_Idempotent(t *testing.T) {
	sibling, st, clock := newTestManager(t)
	ctx := context.Background()

	_, err := sibling.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)
	_, err = sibling.Attach(ctx, conn("c2", "u2", "d1"))
	require.NoError(t, err)

	local := NewManager(st, Options{InstanceID: "other", Now: clock.Now})
	require.NoError(t, local.SyncWithCluster(ctx))
	first := local.Snapshot()
	require.Equal(t, 2, first.Sessions)

	// A second run with no intervening writes changes nothing.
	require.NoError(t, local.SyncWithCluster(ctx))
	require.Equal(t, first, local.Snapshot())
}

func TestSyncWithCluster_SkipsInactiveSessions(t *testing.T) {
	sibling, st, clock := newTestManager(t)
	ctx := context.Background()

	_, err := sibling.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)
	_, err = sibling.Detach(ctx, "c1")
	require.NoError(t, err)

	local := NewManager(st, Options{InstanceID: "other", Now: clock.Now})
	require.NoError(t, local.SyncWithCluster(ctx))
	require.Equal(t, 0, local.Snapshot().Sessions)
}

func TestCleanup_EvictsStaleSessionsAndTokens(t *testing.T) {
	m, st, clock := newTestManager(t)
	ctx := context.Background()

	s, err := m.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)
	_, err = m.Detach(ctx, "c1")
	require.NoError(t, err)

	// Within the grace period nothing is evicted.
	m.cleanup(ctx)
	require.Equal(t, 1, m.Snapshot().Sessions)

	clock.Advance(31 * time.Minute)
	m.cleanup(ctx)

	snap := m.Snapshot()
	require.Equal(t, 0, snap.Sessions)
	require.Equal(t, 0, snap.Tokens)

	_, err = st.Get(ctx, "session:"+s.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	members, err := st.SetMembers(ctx, "user_sessions:u1")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestClusterUpdate_RefreshesCachedSession(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	st := store.NewMemoryStore()
	st.SetClock(clock.Now)

	a := NewManager(st, Options{InstanceID: "a", Now: clock.Now})
	b := NewManager(st, Options{InstanceID: "b", Now: clock.Now})
	ctx := context.Background()

	s, err := a.Attach(ctx, conn("c1", "u1", "d1"))
	require.NoError(t, err)

	// b caches the session, then a mutates it and notifies the cluster.
	_, err = b.Get(ctx, s.ID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = a.Attach(ctx, conn("c2", "u1", "d1"))
	require.NoError(t, err)

	// Feed a's notification to b the way the store subscription would.
	b.handleClusterUpdate(clusterChannel, mustClusterPayload(t, "attach", s.ID, "u1", clock.Now(), "a"))

	got, err := b.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, got.Connections)
}

func mustClusterPayload(t *testing.T, updateType, sessionID, userID string, ts time.Time, origin string) []byte {
	t.Helper()
	payload, err := json.Marshal(clusterUpdate{
		Type:      updateType,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: ts.UnixMilli(),
		Origin:    origin,
	})
	require.NoError(t, err)
	return payload
}
