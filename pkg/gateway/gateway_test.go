package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/mirror"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/codeready-toolchain/agentwire/pkg/version"
	testutil "github.com/codeready-toolchain/agentwire/test/util"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCatchupQuerier implements CatchupQuerier for tests.
type mockCatchupQuerier struct {
	mu     sync.Mutex
	events map[events.UserID][]mirror.CatchupEvent
	users  []events.UserID
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, user events.UserID, sinceID int64, limit int) ([]mirror.CatchupEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, user)
	if m.err != nil {
		return nil, m.err
	}
	var out []mirror.CatchupEvent
	for _, e := range m.events[user] {
		if e.ID > sinceID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockCatchupQuerier) queriedUsers() []events.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.UserID(nil), m.users...)
}

func catchupEvents(user events.UserID, n int) []mirror.CatchupEvent {
	out := make([]mirror.CatchupEvent, n)
	for i := range n {
		out[i] = mirror.CatchupEvent{
			ID:      int64(i + 1),
			Payload: map[string]any{"type": "agent_thinking", "user_id": string(user), "thought": "step"},
		}
	}
	return out
}

type testEnv struct {
	gateway  *Gateway
	registry *registry.Registry
	server   *httptest.Server
}

func setupTestGateway(t *testing.T, catchup CatchupQuerier, cfg Config) *testEnv {
	t.Helper()

	reg := registry.New(5*time.Second, nil)
	gw := New(reg, catchup, cfg)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := events.UserID(r.URL.Query().Get("user"))
		if err := gw.Accept(w, r, user, map[string]any{"remote_addr": r.RemoteAddr}); err != nil {
			t.Logf("Accept returned: %v", err)
		}
	}))

	t.Cleanup(func() { server.Close() })
	return &testEnv{gateway: gw, registry: reg, server: server}
}

func connectWS(t *testing.T, server *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + "/?user=" + user
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestGateway_ConnectionEstablished(t *testing.T) {
	env := setupTestGateway(t, nil, Config{})
	conn := connectWS(t, env.server, "alice")

	msg := readJSON(t, conn)
	assert.Equal(t, events.FrameConnectionEstablished, msg["type"])
	assert.Equal(t, "alice", msg["user_id"])
	assert.NotEmpty(t, msg["connection_id"])
	assert.Equal(t, version.Full(), msg["server_version"])
	assert.Equal(t, float64(version.ProtocolVersion), msg["protocol_version"])

	require.Eventually(t, func() bool { return env.registry.HasConnections("alice") }, 2*time.Second, 10*time.Millisecond)
	conns := env.registry.GetUserConnections("alice")
	require.Len(t, conns, 1)
	assert.Equal(t, events.ConnectionID(msg["connection_id"].(string)), conns[0].ConnectionID)
	assert.NotEmpty(t, conns[0].SessionData["remote_addr"])
	assert.Equal(t, int64(1), env.gateway.Stats().Accepted)
}

func TestGateway_Ping(t *testing.T) {
	env := setupTestGateway(t, nil, Config{})
	conn := connectWS(t, env.server, "alice")
	readJSON(t, conn)

	writeJSON(t, conn, events.ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, events.FramePong, msg["type"])
	assert.NotNil(t, msg["timestamp"])
}

func TestGateway_InvalidAndUnknownMessages(t *testing.T) {
	env := setupTestGateway(t, nil, Config{})
	conn := connectWS(t, env.server, "alice")
	readJSON(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	writeJSON(t, conn, events.ClientMessage{Action: "subscribe"})
	msg := readJSON(t, conn)
	assert.Equal(t, events.FrameError, msg["type"])
	assert.Contains(t, msg["message"], "unknown action")

	// The connection survives both.
	writeJSON(t, conn, events.ClientMessage{Action: "ping"})
	assert.Equal(t, events.FramePong, readJSON(t, conn)["type"])
}

func TestGateway_BroadcastReachesOnlyOwner(t *testing.T) {
	env := setupTestGateway(t, nil, Config{})
	alice := connectWS(t, env.server, "alice")
	bob := connectWS(t, env.server, "bob")
	readJSON(t, alice)
	readJSON(t, bob)
	require.Eventually(t, func() bool {
		return env.registry.HasConnections("alice") && env.registry.HasConnections("bob")
	}, 2*time.Second, 10*time.Millisecond)

	msg := &events.WebSocketMessage{Type: events.EventAgentStarted, UserID: "alice", ThreadID: "t1", RequestID: "r1", Sequence: 1}
	res, err := env.registry.BroadcastToUser(context.Background(), "alice", msg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	got := readJSON(t, alice)
	assert.Equal(t, "agent_started", got["type"])
	assert.Equal(t, "alice", got["user_id"])

	// Bob's next frame is his own pong, not alice's event.
	writeJSON(t, bob, events.ClientMessage{Action: "ping"})
	assert.Equal(t, events.FramePong, readJSON(t, bob)["type"])
}

func TestGateway_Catchup(t *testing.T) {
	querier := &mockCatchupQuerier{events: map[events.UserID][]mirror.CatchupEvent{
		"alice": catchupEvents("alice", 3),
		"bob":   catchupEvents("bob", 5),
	}}
	env := setupTestGateway(t, querier, Config{})
	conn := connectWS(t, env.server, "alice")
	readJSON(t, conn)

	lastEventID := int64(1)
	writeJSON(t, conn, events.ClientMessage{Action: "catchup", LastEventID: &lastEventID})

	first := readJSON(t, conn)
	second := readJSON(t, conn)
	assert.Equal(t, float64(2), first["db_event_id"])
	assert.Equal(t, float64(3), second["db_event_id"])
	assert.Equal(t, "alice", first["user_id"])

	assert.Equal(t, []events.UserID{"alice"}, querier.queriedUsers())
}

func TestGateway_CatchupOverflow(t *testing.T) {
	querier := &mockCatchupQuerier{events: map[events.UserID][]mirror.CatchupEvent{
		"alice": catchupEvents("alice", catchupLimit+5),
	}}
	env := setupTestGateway(t, querier, Config{MessagesPerSecond: 1000, Burst: 1000})
	conn := connectWS(t, env.server, "alice")
	readJSON(t, conn)

	lastEventID := int64(0)
	writeJSON(t, conn, events.ClientMessage{Action: "catchup", LastEventID: &lastEventID})

	for i := range catchupLimit {
		msg := readJSON(t, conn)
		require.Equal(t, float64(i+1), msg["db_event_id"])
	}
	overflow := readJSON(t, conn)
	assert.Equal(t, events.FrameCatchupOverflow, overflow["type"])
	assert.Equal(t, true, overflow["has_more"])
}

func TestGateway_CatchupErrors(t *testing.T) {
	t.Run("missing last_event_id", func(t *testing.T) {
		env := setupTestGateway(t, &mockCatchupQuerier{}, Config{})
		conn := connectWS(t, env.server, "alice")
		readJSON(t, conn)

		writeJSON(t, conn, events.ClientMessage{Action: "catchup"})
		msg := readJSON(t, conn)
		assert.Equal(t, events.FrameError, msg["type"])
		assert.Contains(t, msg["message"], "last_event_id")
	})

	t.Run("no event store", func(t *testing.T) {
		env := setupTestGateway(t, nil, Config{})
		conn := connectWS(t, env.server, "alice")
		readJSON(t, conn)

		lastEventID := int64(0)
		writeJSON(t, conn, events.ClientMessage{Action: "catchup", LastEventID: &lastEventID})
		msg := readJSON(t, conn)
		assert.Equal(t, events.FrameError, msg["type"])
		assert.Contains(t, msg["message"], "not available")
	})

	t.Run("query failure", func(t *testing.T) {
		env := setupTestGateway(t, &mockCatchupQuerier{err: assert.AnError}, Config{})
		conn := connectWS(t, env.server, "alice")
		readJSON(t, conn)

		lastEventID := int64(0)
		writeJSON(t, conn, events.ClientMessage{Action: "catchup", LastEventID: &lastEventID})
		msg := readJSON(t, conn)
		assert.Equal(t, events.FrameError, msg["type"])
		assert.Equal(t, "catchup failed", msg["message"])
	})
}

func TestGateway_RateLimit(t *testing.T) {
	env := setupTestGateway(t, nil, Config{MessagesPerSecond: 1, Burst: 1})
	conn := connectWS(t, env.server, "alice")
	readJSON(t, conn)

	writeJSON(t, conn, events.ClientMessage{Action: "ping"})
	writeJSON(t, conn, events.ClientMessage{Action: "ping"})

	assert.Equal(t, events.FramePong, readJSON(t, conn)["type"])
	limited := readJSON(t, conn)
	assert.Equal(t, events.FrameError, limited["type"])
	assert.Equal(t, "rate limit exceeded", limited["message"])
	assert.Equal(t, int64(1), env.gateway.Stats().RateLimited)
}

func TestGateway_DisconnectUnregisters(t *testing.T) {
	env := setupTestGateway(t, nil, Config{})
	conn := connectWS(t, env.server, "alice")
	readJSON(t, conn)
	require.Eventually(t, func() bool { return env.registry.HasConnections("alice") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool { return !env.registry.HasConnections("alice") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), env.gateway.Stats().AbnormalCloses)
}

func TestGateway_FailedUpgradeIsNeverRegistered(t *testing.T) {
	env := setupTestGateway(t, nil, Config{})

	// A plain HTTP GET has no upgrade headers.
	resp, err := http.Get(env.server.URL + "/?user=alice")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return env.gateway.Stats().HandshakeFailures == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, env.registry.HasConnections("alice"))
	assert.Equal(t, int64(0), env.gateway.Stats().Accepted)
}

func TestGateway_OnConnectSupersedes(t *testing.T) {
	reg := registry.New(time.Second, nil)
	gw := New(reg, nil, Config{})

	old := testutil.NewFakeTransport()
	_, err := gw.OnConnect(context.Background(), "conn-1", "alice", old, nil)
	require.NoError(t, err)

	replacement := testutil.NewFakeTransport()
	c, err := gw.OnConnect(context.Background(), "conn-1", "alice", replacement, nil)
	require.NoError(t, err)
	assert.Equal(t, events.ConnectionID("conn-1"), c.ID)

	closed, reason := old.Closed()
	assert.True(t, closed)
	assert.Equal(t, "superseded", reason)
	assert.Len(t, reg.GetUserConnections("alice"), 1)
}

func TestGateway_OnDisconnect(t *testing.T) {
	t.Run("abnormal close ends FAILED and unregisters", func(t *testing.T) {
		reg := registry.New(time.Second, nil)
		gw := New(reg, nil, Config{})
		_, err := gw.OnConnect(context.Background(), "conn-1", "alice", testutil.NewFakeTransport(), nil)
		require.NoError(t, err)

		gw.OnDisconnect("conn-1", "reset", true)
		assert.False(t, reg.HasConnections("alice"))
		assert.Equal(t, int64(1), gw.Stats().AbnormalCloses)
	})

	t.Run("repeated disconnect is a no-op", func(t *testing.T) {
		reg := registry.New(time.Second, nil)
		gw := New(reg, nil, Config{})
		_, err := gw.OnConnect(context.Background(), "conn-1", "alice", testutil.NewFakeTransport(), nil)
		require.NoError(t, err)

		gw.OnDisconnect("conn-1", "client closed", false)
		gw.OnDisconnect("conn-1", "client closed", false)
		assert.False(t, reg.HasConnections("alice"))
	})
}

func TestGateway_Shutdown(t *testing.T) {
	reg := registry.New(time.Second, nil)
	gw := New(reg, nil, Config{})
	tr := testutil.NewFakeTransport()
	_, err := gw.OnConnect(context.Background(), "conn-1", "alice", tr, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, gw.Shutdown("server shutting down"))
	closed, reason := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, "server shutting down", reason)
	assert.Equal(t, 0, reg.Stats().Connections)
}
