package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP(S) server.
	Addr string

	// RedisAddr is the shared store address. Empty means run with the
	// in-memory store (single instance, no clustering).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HistoryPath is the SQLite delivery log location.
	HistoryPath string

	MasterSecret   string
	Debug          bool
	AllowedOrigins []string

	// SessionTTL bounds how long a session record lives in the shared store
	// without activity.
	SessionTTL time.Duration
	// ReconnectTokenTTL bounds how long a reconnection token stays valid.
	ReconnectTokenTTL time.Duration
	// SweepInterval is the retry queue scan cadence.
	SweepInterval time.Duration

	// TLS holds HTTPS configuration. If nil, the server runs in plain HTTP mode.
	TLS *TLSConfig
}

// TLSConfig holds file paths for serving HTTPS directly from the server.
type TLSConfig struct {
	// CertFile is a PEM-encoded certificate chain.
	CertFile string
	// KeyFile is a PEM-encoded private key.
	KeyFile string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	RedisAddr    *string
	HistoryPath  *string
	MasterSecret *string
	Debug        *bool
	TLS          *TLSConfig
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 3010
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	redisAddr := os.Getenv("RELAY_REDIS_ADDR")
	if overrides.RedisAddr != nil {
		redisAddr = *overrides.RedisAddr
	}

	redisDB := 0
	if dbStr := os.Getenv("RELAY_REDIS_DB"); dbStr != "" {
		if n, err := strconv.Atoi(dbStr); err == nil {
			redisDB = n
		}
	}

	historyPath := os.Getenv("RELAY_HISTORY_PATH")
	if historyPath == "" {
		historyPath = "./relay.db"
	}
	if overrides.HistoryPath != nil {
		historyPath = *overrides.HistoryPath
	}

	masterSecret := os.Getenv("RELAY_MASTER_SECRET")
	if overrides.MasterSecret != nil {
		masterSecret = *overrides.MasterSecret
	}
	if masterSecret == "" {
		return nil, fmt.Errorf("RELAY_MASTER_SECRET environment variable is required")
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	return &Config{
		Addr:              addr,
		RedisAddr:         redisAddr,
		RedisPassword:     os.Getenv("RELAY_REDIS_PASSWORD"),
		RedisDB:           redisDB,
		HistoryPath:       historyPath,
		MasterSecret:      masterSecret,
		Debug:             debug,
		AllowedOrigins:    []string{"*"}, // For self-hosted, allow all origins
		SessionTTL:        durationEnv("RELAY_SESSION_TTL", 24*time.Hour),
		ReconnectTokenTTL: durationEnv("RELAY_RECONNECT_TTL", 5*time.Minute),
		SweepInterval:     durationEnv("RELAY_SWEEP_INTERVAL", time.Second),
		TLS:               overrides.TLS,
	}, nil
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
