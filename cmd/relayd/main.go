package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcwire/relay/internal/api/handlers"
	"github.com/arcwire/relay/internal/api/middleware"
	"github.com/arcwire/relay/internal/broker"
	"github.com/arcwire/relay/internal/config"
	"github.com/arcwire/relay/internal/crypto"
	"github.com/arcwire/relay/internal/history"
	"github.com/arcwire/relay/internal/metrics"
	"github.com/arcwire/relay/internal/session"
	"github.com/arcwire/relay/internal/store"
	"github.com/arcwire/relay/internal/transport"
	"github.com/arcwire/relay/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared store: Redis when configured, in-memory otherwise.
	var st store.Store
	if cfg.RedisAddr != "" {
		logger.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		rs, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		defer rs.Close()
		st = rs
	} else {
		logger.Warnf("No Redis address configured, running single-instance with in-memory store")
		st = store.NewMemoryStore()
	}

	// Open delivery history log
	logger.Infof("Opening history log: %s", cfg.HistoryPath)
	log, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Errorf("Failed to open history log: %v", err)
		os.Exit(1)
	}
	defer log.Close()

	// Initialize JWT manager
	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		logger.Errorf("Failed to create JWT manager: %v", err)
		os.Exit(1)
	}

	instanceID := uuid.New().String()
	logger.Infof("Instance id: %s", instanceID)

	hub := transport.NewHub()

	sessions := session.NewManager(st, session.Options{
		InstanceID: instanceID,
		SessionTTL: cfg.SessionTTL,
		TokenTTL:   cfg.ReconnectTokenTTL,
	})
	if err := sessions.Start(ctx); err != nil {
		logger.Errorf("Failed to start session manager: %v", err)
		os.Exit(1)
	}
	defer sessions.Close()

	if err := sessions.SyncWithCluster(ctx); err != nil {
		logger.Warnf("Cluster sync failed, continuing with local state: %v", err)
	}

	b := broker.New(st, hub, broker.Options{
		InstanceID:    instanceID,
		SweepInterval: cfg.SweepInterval,
	})
	if err := b.Start(ctx); err != nil {
		logger.Errorf("Failed to start broker: %v", err)
		os.Exit(1)
	}
	defer b.Close()

	// Record persistent user-targeted deliveries so reconnecting clients can
	// be replayed what they missed.
	b.Subscribe(broker.MatchAll(), func(msg *broker.Message) {
		if !msg.Delivery.Persistent {
			return
		}
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			logger.Warnf("History record for message %s: %v", msg.ID, err)
			return
		}
		for _, target := range msg.Routing.Targets {
			if target.Type != broker.TargetUser {
				continue
			}
			if err := log.Append(ctx, history.Entry{
				UserID:    target.ID,
				SessionID: msg.SessionID,
				Event:     msg.Event,
				Payload:   payload,
				At:        msg.Timestamp,
			}); err != nil {
				logger.Warnf("History append for message %s: %v", msg.ID, err)
			}
		}
	})

	ws := transport.NewServer(hub, sessions, jwtManager, log)
	// When a session loses its last connection, push the reconnection token
	// to the user's remaining devices. If none are online the message waits
	// in the retry queue until the token would have expired anyway.
	ws.OnSessionInactive = func(sessionID string, token *session.ReconnectionToken) {
		msg := &broker.Message{
			Type:      "session",
			Event:     "session.suspended",
			SessionID: sessionID,
			Payload: gin.H{
				"sessionId":      sessionID,
				"reconnectToken": token.Token,
				"expiresAt":      token.ExpiresAt.UnixMilli(),
			},
			Routing: broker.Routing{
				Targets: []broker.Target{{Type: broker.TargetUser, ID: token.UserID}},
			},
			Delivery: broker.Delivery{
				Guaranteed: true,
				TTL:        time.Until(token.ExpiresAt),
			},
		}
		if _, err := b.Publish(context.Background(), msg); err != nil {
			logger.Debugf("Suspend notice for session %s not deliverable yet: %v", sessionID, err)
		}
	}

	promRegistry := metrics.NewRegistry(sessions, b)

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Logging middleware
	router.Use(middleware.LoggingMiddleware())

	// Root endpoint - returns plain text for client validation
	router.GET("/", func(c *gin.Context) {
		c.String(200, "Welcome to Relay Server!")
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "instanceId": instanceID})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry.Prometheus(), promhttp.HandlerOpts{})))

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(jwtManager, cfg.MasterSecret)
	sessionHandler := handlers.NewSessionHandler(sessions, hub)
	messageHandler := handlers.NewMessageHandler(b, log)
	statusHandler := handlers.NewStatusHandler(sessions, b, hub)

	// Public routes (no auth required)
	v1 := router.Group("/v1")
	{
		v1.POST("/auth/token", authHandler.PostToken)
	}

	// Protected routes (auth required)
	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(jwtManager))
	{
		// Sessions
		protected.GET("/sessions", sessionHandler.ListSessions)
		protected.GET("/sessions/:id", sessionHandler.GetSession)
		protected.GET("/users/:id/presence", sessionHandler.GetPresence)

		// Messages
		protected.POST("/messages", messageHandler.PostMessage)
		protected.GET("/messages/history", messageHandler.GetHistory)

		// Status
		protected.GET("/status", middleware.RequireRole("admin"), statusHandler.GetStatus)
	}

	// WebSocket endpoint (token checked during the handshake)
	router.GET("/v1/connect", ws.HandleWebSocket)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("Relay Server starting on http://localhost%s", cfg.Addr)
		var err error
		if cfg.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Infof("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
}
