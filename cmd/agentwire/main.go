// agentwire server. Terminates client WebSockets and delivers agent
// lifecycle events to the owning user's connections.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/agentwire/pkg/api"
	"github.com/codeready-toolchain/agentwire/pkg/config"
	"github.com/codeready-toolchain/agentwire/pkg/database"
	"github.com/codeready-toolchain/agentwire/pkg/dispatch"
	"github.com/codeready-toolchain/agentwire/pkg/gateway"
	"github.com/codeready-toolchain/agentwire/pkg/mirror"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/codeready-toolchain/agentwire/pkg/sequence"
	"github.com/codeready-toolchain/agentwire/pkg/sessions"
	"github.com/codeready-toolchain/agentwire/pkg/telemetry"
	"github.com/codeready-toolchain/agentwire/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the replica identifier used as the NOTIFY origin.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	httpPort := getEnv("HTTP_PORT", cfg.Server.HTTPPort)

	slog.Info("Starting agentwire",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	metrics, err := telemetry.Default()
	if err != nil {
		slog.Error("Failed to create metric instruments", "error", err)
		os.Exit(1)
	}

	// 2. Core delivery components
	reg := registry.New(cfg.WebSocket.WriteTimeout, metrics)
	tracker := sequence.NewTracker(cfg.Dispatch.CompletedRunRetention)
	agg := sessions.NewAggregator(sessions.Config{
		MaxSessionLifetime:      cfg.Sessions.MaxSessionLifetime,
		CheckInterval:           cfg.Sessions.LeakCheckInterval,
		MaxActiveSessions:       cfg.Sessions.MaxActiveSessions,
		LeakedDegradedThreshold: cfg.Sessions.LeakedDegradedThreshold,
		ActiveWarningThreshold:  cfg.Sessions.ActiveWarningThreshold,
	}, metrics)

	// 3. Optional mirrors
	var (
		backends  []mirror.Backend
		dbClient  *database.Client
		store     *mirror.EventStore
		catchup   gateway.CatchupQuerier
		retention *mirror.Retention
	)
	if cfg.PostgresEnabled() {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL database")

		store = mirror.NewEventStore(dbClient.DB())
		catchup = store
		backends = append(backends, mirror.NewPostgresMirror(dbClient.DB(), cfg.Mirror.NotifyChannel, podID))
		retention = mirror.NewRetention(store, cfg.Mirror.EventTTL, cfg.Mirror.CleanupInterval)
	}

	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Mirror.RedisAddr,
			Password: cfg.Mirror.RedisPassword,
			DB:       cfg.Mirror.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		redisMirror := mirror.NewRedisMirror(rdb, cfg.Mirror.RedisStreamPrefix, cfg.Mirror.RedisMaxLen)
		if err := redisMirror.Ping(ctx); err != nil {
			slog.Warn("Redis not reachable at startup", "addr", cfg.Mirror.RedisAddr, "error", err)
		}
		backends = append(backends, redisMirror)
		slog.Info("Redis stream mirror enabled", "addr", cfg.Mirror.RedisAddr)
	}

	var eventMirror dispatch.Mirror
	if len(backends) > 0 {
		eventMirror = mirror.NewMulti(metrics, backends...)
	}

	// 4. Dispatcher, gateway, and background loops
	dispatcher := dispatch.New(reg, tracker, agg, eventMirror, metrics, dispatch.Config{
		MaxPayloadBytes: cfg.WebSocket.MaxPayloadBytes,
		MirrorTimeout:   cfg.Dispatch.MirrorTimeout,
		SweepInterval:   cfg.Dispatch.SweepInterval,
	})
	agg.SetOnLeak(dispatcher.HandleLeak)

	gw := gateway.New(reg, catchup, gateway.Config{
		HandshakeTimeout:  cfg.WebSocket.HandshakeTimeout,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		ReadLimitBytes:    cfg.WebSocket.ReadLimitBytes,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		Burst:             cfg.WebSocket.Burst,
		AllowedOrigins:    cfg.Server.AllowedWSOrigins,
	})

	agg.Start(ctx)
	dispatcher.Start(ctx)
	if retention != nil {
		retention.Start(ctx)
	}

	httpServer := api.NewServer(cfg, dispatcher, gw, reg, agg)

	// Cross-replica relay: LISTEN for events published by other pods.
	var listener *mirror.NotifyListener
	if dbClient != nil {
		listener = mirror.NewNotifyListener(dbClient.DSN(), cfg.Mirror.NotifyChannel, podID, reg, store)
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start NotifyListener", "error", err)
			os.Exit(1)
		}
		httpServer.SetDatabase(dbClient)
		httpServer.SetListener(listener)
	}

	// 5. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("agentwire started successfully", "pod_id", podID)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: HTTP first so no new events arrive, then loops.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if listener != nil {
		listener.Stop(ctx)
	}
	dispatcher.Stop()
	agg.Stop()
	if retention != nil {
		retention.Stop()
	}

	slog.Info("Shutdown complete")
}
