package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "test-secret")
	t.Setenv("PORT", "")
	t.Setenv("RELAY_REDIS_ADDR", "")
	t.Setenv("RELAY_HISTORY_PATH", "")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":3010", cfg.Addr)
	require.Empty(t, cfg.RedisAddr)
	require.Equal(t, "./relay.db", cfg.HistoryPath)
	require.Equal(t, 24*time.Hour, cfg.SessionTTL)
	require.Equal(t, 5*time.Minute, cfg.ReconnectTokenTTL)
	require.Equal(t, time.Second, cfg.SweepInterval)
	require.False(t, cfg.Debug)
}

func TestLoadRequiresMasterSecret(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "")

	_, err := Load(Overrides{})
	require.Error(t, err)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "test-secret")
	t.Setenv("PORT", "9000")
	t.Setenv("RELAY_REDIS_ADDR", "redis:6379")
	t.Setenv("RELAY_SESSION_TTL", "1h")
	t.Setenv("DEBUG", "true")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
	require.Equal(t, time.Hour, cfg.SessionTTL)
	require.True(t, cfg.Debug)
}

func TestOverridesWinOverEnvironment(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "from-env")
	t.Setenv("PORT", "9000")

	addr := ":4444"
	secret := "from-override"
	debug := true
	cfg, err := Load(Overrides{Addr: &addr, MasterSecret: &secret, Debug: &debug})
	require.NoError(t, err)
	require.Equal(t, ":4444", cfg.Addr)
	require.Equal(t, "from-override", cfg.MasterSecret)
	require.True(t, cfg.Debug)
}

func TestBadDurationFallsBack(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "test-secret")
	t.Setenv("RELAY_SWEEP_INTERVAL", "not-a-duration")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.SweepInterval)
}
