// Package gateway terminates client WebSocket connections and feeds their
// lifecycle into the connection registry.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/connstate"
	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/mirror"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/codeready-toolchain/agentwire/pkg/version"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// catchupLimit is the maximum number of events returned in a catchup response.
// If more events are missed, a catchup.overflow message tells the client to
// do a full REST reload.
const catchupLimit = 200

// CatchupQuerier loads a user's stored events. Implemented by mirror.EventStore.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, user events.UserID, sinceID int64, limit int) ([]mirror.CatchupEvent, error)
}

// Config holds per-connection limits.
type Config struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimitBytes    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadLimitBytes:    64 * 1024,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// Stats counts gateway-level outcomes.
type Stats struct {
	Accepted          int64 `json:"accepted"`
	HandshakeFailures int64 `json:"handshake_failures"`
	RateLimited       int64 `json:"rate_limited"`
	AbnormalCloses    int64 `json:"abnormal_closes"`
}

// Gateway owns the read side of every client connection. Each Go process
// (pod) has one Gateway instance.
type Gateway struct {
	registry *registry.Registry
	catchup  CatchupQuerier
	cfg      Config
	log      *slog.Logger

	accepted          atomic.Int64
	handshakeFailures atomic.Int64
	rateLimited       atomic.Int64
	abnormalCloses    atomic.Int64
}

// New creates a Gateway. catchup may be nil when no event store is configured.
func New(reg *registry.Registry, catchup CatchupQuerier, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = def.ReadLimitBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = def.MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &Gateway{
		registry: reg,
		catchup:  catchup,
		cfg:      cfg,
		log:      slog.With("component", "gateway"),
	}
}

// Conn is one accepted client connection.
type Conn struct {
	ID        events.ConnectionID
	User      events.UserID
	transport registry.Transport
	limiter   *rate.Limiter
	ctx       context.Context
}

// Accept upgrades the request and serves the connection until it closes.
// The whole handshake (upgrade plus connection.established) must finish
// within HandshakeTimeout; otherwise the attempt ends FAILED and the
// connection is never registered.
func (g *Gateway) Accept(w http.ResponseWriter, r *http.Request, user events.UserID, auth map[string]any) error {
	machine := connstate.NewMachine()

	opts := &websocket.AcceptOptions{OriginPatterns: g.cfg.AllowedOrigins}
	if len(g.cfg.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		g.handshakeFailed(machine, "", user, err)
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	conn.SetReadLimit(g.cfg.ReadLimitBytes)

	return g.Serve(r.Context(), conn, user, auth)
}

// Serve runs an upgraded connection: handshake, register, read loop,
// disconnect. Blocks until the connection closes.
func (g *Gateway) Serve(ctx context.Context, conn *websocket.Conn, user events.UserID, auth map[string]any) error {
	machine := connstate.NewMachine()
	connID := events.ConnectionID(uuid.New().String())
	transport := NewWSTransport(conn)

	established := version.Handshake()
	maps.Copy(established, map[string]any{
		"type":          events.FrameConnectionEstablished,
		"connection_id": connID,
		"user_id":       user,
		"timestamp":     nowSeconds(),
	})
	hsCtx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	err := g.sendJSON(hsCtx, transport, established)
	cancel()
	if err != nil {
		g.handshakeFailed(machine, connID, user, err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake timeout")
		return fmt.Errorf("handshake failed: %w", err)
	}
	if err := machine.Transition(connstate.Connected); err != nil {
		return err
	}

	c, err := g.OnConnect(ctx, connID, user, transport, auth)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return err
	}

	abnormal := false
	reason := "client closed"
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			reason, abnormal = classifyClose(ctx, err)
			break
		}
		g.OnMessage(c, data)
	}

	g.OnDisconnect(connID, reason, abnormal)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

func (g *Gateway) handshakeFailed(m *connstate.Machine, connID events.ConnectionID, user events.UserID, err error) {
	_ = m.Transition(connstate.Failed)
	g.handshakeFailures.Add(1)
	g.log.Warn("WebSocket handshake failed",
		"connection_id", connID, "user_id", user, "state", m.State(), "error", err)
}

// classifyClose maps a read error to a disconnect reason. Normal and
// going-away closures, and server shutdown, are not abnormal.
func classifyClose(ctx context.Context, err error) (string, bool) {
	if ctx.Err() != nil {
		return "server shutdown", false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return "client closed", false
	case -1:
		return err.Error(), true
	default:
		return fmt.Sprintf("closed with status %d", websocket.CloseStatus(err)), true
	}
}

// OnConnect registers an established connection. A connection that
// supersedes an existing registration closes the old transport.
func (g *Gateway) OnConnect(ctx context.Context, connID events.ConnectionID, user events.UserID, t registry.Transport, auth map[string]any) (*Conn, error) {
	reg, err := g.registry.Register(connID, user, t, maps.Clone(auth))
	if err != nil {
		return nil, fmt.Errorf("failed to register connection: %w", err)
	}
	if reg.Superseded != nil {
		_ = reg.Superseded.Close("superseded")
	}
	g.accepted.Add(1)
	g.log.Info("WebSocket connected", "connection_id", connID, "user_id", user)

	return &Conn{
		ID:        connID,
		User:      user,
		transport: t,
		limiter:   rate.NewLimiter(rate.Limit(g.cfg.MessagesPerSecond), g.cfg.Burst),
		ctx:       ctx,
	}, nil
}

// OnMessage handles one client frame. Invalid JSON is logged and ignored.
func (g *Gateway) OnMessage(c *Conn, data []byte) {
	g.registry.Touch(c.ID)

	if !c.limiter.Allow() {
		g.rateLimited.Add(1)
		g.sendError(c, "rate limit exceeded")
		return
	}

	var msg events.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.log.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
		return
	}

	switch msg.Action {
	case "ping":
		g.send(c, map[string]any{"type": events.FramePong, "timestamp": nowSeconds()})
	case "catchup":
		if msg.LastEventID == nil {
			g.sendError(c, "last_event_id is required for catchup")
			return
		}
		g.handleCatchup(c, *msg.LastEventID)
	default:
		g.sendError(c, fmt.Sprintf("unknown action %q", msg.Action))
	}
}

// OnDisconnect moves the connection to its terminal state and unregisters it.
func (g *Gateway) OnDisconnect(connID events.ConnectionID, reason string, abnormal bool) {
	if abnormal {
		g.abnormalCloses.Add(1)
		if _, err := g.registry.Transition(connID, connstate.Failed); err != nil {
			g.log.Debug("Transition on disconnect rejected", "connection_id", connID, "error", err)
		}
	} else {
		for _, s := range []connstate.State{connstate.Closing, connstate.Disconnected} {
			if _, err := g.registry.Transition(connID, s); err != nil {
				g.log.Debug("Transition on disconnect rejected", "connection_id", connID, "error", err)
				break
			}
		}
	}
	if g.registry.Unregister(connID) {
		g.log.Info("WebSocket disconnected", "connection_id", connID, "reason", reason, "abnormal", abnormal)
	}
}

// handleCatchup replays c.User's events after lastEventID.
func (g *Gateway) handleCatchup(c *Conn, lastEventID int64) {
	if g.catchup == nil {
		g.sendError(c, "catchup is not available")
		return
	}

	// Capped at catchupLimit + 1 to detect overflow.
	evts, err := g.catchup.GetCatchupEvents(c.ctx, c.User, lastEventID, catchupLimit+1)
	if err != nil {
		g.log.Error("Catchup query failed", "connection_id", c.ID, "error", err)
		g.sendError(c, "catchup failed")
		return
	}

	hasMore := len(evts) > catchupLimit
	if hasMore {
		evts = evts[:catchupLimit]
	}

	for _, evt := range evts {
		if owner, _ := evt.Payload["user_id"].(string); owner != string(c.User) {
			g.log.Error("Skipping catchup event owned by another user",
				"connection_id", c.ID, "db_event_id", evt.ID)
			continue
		}
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := g.sendRaw(c, payload); err != nil {
			g.log.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		g.send(c, map[string]any{"type": events.FrameCatchupOverflow, "has_more": true})
	}
}

// Stats returns gateway counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Accepted:          g.accepted.Load(),
		HandshakeFailures: g.handshakeFailures.Load(),
		RateLimited:       g.rateLimited.Load(),
		AbnormalCloses:    g.abnormalCloses.Load(),
	}
}

// Shutdown closes every registered connection.
func (g *Gateway) Shutdown(reason string) int {
	return g.registry.CloseAll(reason)
}

func (g *Gateway) sendError(c *Conn, message string) {
	g.send(c, map[string]any{"type": events.FrameError, "message": message})
}

func (g *Gateway) send(c *Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.log.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := g.sendRaw(c, data); err != nil {
		g.log.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (g *Gateway) sendRaw(c *Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, g.cfg.WriteTimeout)
	defer cancel()
	return c.transport.Send(ctx, data)
}

func (g *Gateway) sendJSON(ctx context.Context, t registry.Transport, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Send(ctx, data)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

