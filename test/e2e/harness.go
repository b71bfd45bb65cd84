// Package e2e provides end-to-end test infrastructure for the agentwire
// delivery pipeline.
package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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
)

// TestApp boots a complete agentwire instance for e2e testing.
type TestApp struct {
	Config     *config.Config
	Registry   *registry.Registry
	Sessions   *sessions.Aggregator
	Dispatcher *dispatch.Dispatcher
	Gateway    *gateway.Gateway
	Server     *api.Server

	// Set only when the app runs with a database.
	DBClient *database.Client
	Store    *mirror.EventStore
	Listener *mirror.NotifyListener

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

type testAppConfig struct {
	cfg           *config.Config
	dbClient      *database.Client
	notifyChannel string
	podID         string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithDatabase enables the PostgreSQL mirror, catchup, and the NOTIFY relay
// on the given client. Replicas that must see each other's events share
// both the client's schema and the channel.
func WithDatabase(client *database.Client, channel string) TestAppOption {
	return func(c *testAppConfig) {
		c.dbClient = client
		c.notifyChannel = channel
	}
}

// WithPodID overrides the auto-generated replica identity used as the
// NOTIFY origin.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// NewTestApp creates and starts a full agentwire test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	if tc.podID == "" {
		tc.podID = fmt.Sprintf("e2e-test-%s", strings.ReplaceAll(t.Name(), "/", "-"))
	}
	cfg := tc.cfg
	ctx := context.Background()

	metrics, err := telemetry.Default()
	require.NoError(t, err)

	// 1. Core delivery components.
	reg := registry.New(cfg.WebSocket.WriteTimeout, metrics)
	tracker := sequence.NewTracker(cfg.Dispatch.CompletedRunRetention)
	agg := sessions.NewAggregator(sessions.Config{
		MaxSessionLifetime:      cfg.Sessions.MaxSessionLifetime,
		CheckInterval:           cfg.Sessions.LeakCheckInterval,
		MaxActiveSessions:       cfg.Sessions.MaxActiveSessions,
		LeakedDegradedThreshold: cfg.Sessions.LeakedDegradedThreshold,
		ActiveWarningThreshold:  cfg.Sessions.ActiveWarningThreshold,
	}, metrics)

	// 2. PostgreSQL mirror, only when a database was injected.
	var (
		eventMirror dispatch.Mirror
		catchup     gateway.CatchupQuerier
		store       *mirror.EventStore
		listener    *mirror.NotifyListener
	)
	if tc.dbClient != nil {
		store = mirror.NewEventStore(tc.dbClient.DB())
		catchup = store
		eventMirror = mirror.NewMulti(metrics,
			mirror.NewPostgresMirror(tc.dbClient.DB(), tc.notifyChannel, tc.podID))
		listener = mirror.NewNotifyListener(tc.dbClient.DSN(), tc.notifyChannel, tc.podID, reg, store)
		require.NoError(t, listener.Start(ctx))
	}

	// 3. Dispatcher and gateway.
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

	// 4. HTTP server on a random port.
	server := api.NewServer(cfg, dispatcher, gw, reg, agg)
	if tc.dbClient != nil {
		server.SetDatabase(tc.dbClient)
		server.SetListener(listener)
	}
	ts := httptest.NewServer(server.Handler())

	app := &TestApp{
		Config:     cfg,
		Registry:   reg,
		Sessions:   agg,
		Dispatcher: dispatcher,
		Gateway:    gw,
		Server:     server,
		DBClient:   tc.dbClient,
		Store:      store,
		Listener:   listener,
		BaseURL:    ts.URL,
		WSURL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		t:          t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		ts.Close()
		dispatcher.Stop()
		agg.Stop()
		if listener != nil {
			listener.Stop(context.Background())
		}
		// DB cleanup handled by util.SetupTestDatabase
	})

	return app
}

// defaultTestConfig returns the built-in defaults with a generous rate limit
// so scenarios never trip it by accident.
func defaultTestConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.DefaultServerConfig(),
		WebSocket: config.DefaultWebSocketConfig(),
		Sessions:  config.DefaultSessionsConfig(),
		Dispatch:  config.DefaultDispatchConfig(),
		Mirror:    config.DefaultMirrorConfig(),
	}
	cfg.WebSocket.MessagesPerSecond = 1000
	cfg.WebSocket.Burst = 1000
	return cfg
}
