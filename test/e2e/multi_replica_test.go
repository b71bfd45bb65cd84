package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/test/util"
)

// ────────────────────────────────────────────────────────────
// Multi-replica test. Two agentwire replicas share one PostgreSQL
// schema and one NOTIFY channel:
//   - Replica 1 receives dispatches from the agent worker.
//   - Replica 2 holds the user's WebSocket.
//
// The event must reach replica 2's client through the Postgres mirror
// and the NOTIFY relay, carrying the stored db_event_id.
// ────────────────────────────────────────────────────────────

func TestE2E_MultiReplica(t *testing.T) {
	sharedDB := util.SetupTestDatabase(t)
	channel := util.GenerateSchemaName(t)

	app1 := NewTestApp(t, WithDatabase(sharedDB, channel), WithPodID("replica-1"))
	app2 := NewTestApp(t, WithDatabase(sharedDB, channel), WithPodID("replica-2"))

	require.Eventually(t, func() bool {
		return app1.Listener.Listening() && app2.Listener.Listening()
	}, 10*time.Second, 50*time.Millisecond)

	ws := connect(t, app2, "alice")

	res := app1.Dispatch(t, runEvent("alice", "thread-1", "req-1", "agent_started"), http.StatusAccepted)
	assert.True(t, res.NoConnections, "replica 1 has no local connection for alice")

	evt, err := ws.WaitForEventType("agent_started", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alice", evt.Parsed["user_id"])
	assert.Equal(t, float64(1), evt.Parsed["sequence"])
	assert.NotNil(t, evt.Parsed["db_event_id"], "relayed frames carry the stored row id")

	// Replica 2 relayed exactly the one event; replica 1 skipped its own.
	assert.Eventually(t, func() bool { return app2.Listener.Relayed() == 1 }, 5*time.Second, 25*time.Millisecond)
	assert.Equal(t, int64(0), app1.Listener.Relayed())

	health := app2.GetHealth(t)
	assert.Equal(t, "healthy", health.Status)
	require.NotNil(t, health.Database)
	assert.True(t, health.Database.EventsTable)
}

func TestE2E_CatchupAfterReconnect(t *testing.T) {
	db := util.SetupTestDatabase(t)
	app := NewTestApp(t, WithDatabase(db, util.GenerateSchemaName(t)))

	// Events produced while alice is offline are stored, then replayed.
	// Mirror writes are asynchronous, so each row is awaited to pin the order.
	stored := func(user string, n int) func() bool {
		return func() bool {
			evts, err := app.Store.GetCatchupEvents(context.Background(), events.UserID(user), 0, 10)
			return err == nil && len(evts) == n
		}
	}
	for i, typ := range []string{"agent_started", "agent_thinking", "agent_completed"} {
		app.Dispatch(t, runEvent("alice", "t", "r", typ), http.StatusAccepted)
		require.Eventually(t, stored("alice", i+1), 10*time.Second, 25*time.Millisecond)
	}
	app.Dispatch(t, runEvent("bob", "bt", "br", "agent_started"), http.StatusAccepted)
	require.Eventually(t, stored("bob", 1), 10*time.Second, 25*time.Millisecond)

	ws := connect(t, app, "alice")
	require.NoError(t, ws.Catchup(0))

	got, err := ws.CollectUntil(func([]WSEvent) bool { return len(ws.AgentEvents()) >= 3 }, 5*time.Second)
	require.NoError(t, err, "collected %d frames", len(got))

	replayed := ws.AgentEvents()
	require.Len(t, replayed, 3)
	wantTypes := []string{"agent_started", "agent_thinking", "agent_completed"}
	var lastID float64
	for i, e := range replayed {
		assert.Equal(t, wantTypes[i], e.Type)
		assert.Equal(t, "alice", e.Parsed["user_id"], "catchup never crosses users")
		id, ok := e.Parsed["db_event_id"].(float64)
		require.True(t, ok)
		assert.Greater(t, id, lastID)
		lastID = id
	}

	// Resuming from the last seen id replays nothing.
	require.NoError(t, ws.Catchup(int64(lastID)))
	require.NoError(t, ws.Ping())
	_, err = ws.WaitForEventType(events.FramePong, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, ws.AgentEvents(), 3)
}
