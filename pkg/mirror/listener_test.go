package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	user  events.UserID
	frame []byte
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (f *fakeBroadcaster) BroadcastFrame(_ context.Context, user events.UserID, frame []byte) registry.BroadcastResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{user: user, frame: frame})
	return registry.BroadcastResult{Attempted: 1, Delivered: 1}
}

func (f *fakeBroadcaster) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

type fakeLoader struct {
	frames map[int64][]byte
	calls  int
}

func (f *fakeLoader) GetEvent(_ context.Context, _ events.UserID, id int64) ([]byte, error) {
	f.calls++
	frame, ok := f.frames[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return frame, nil
}

func notifyPayload(t *testing.T, n notification) []byte {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	return data
}

func TestNewNotifyListener(t *testing.T) {
	b := &fakeBroadcaster{}
	l := NewNotifyListener("host=localhost dbname=test", "", "replica-a", b, nil)

	assert.Equal(t, "host=localhost dbname=test", l.connString)
	assert.Equal(t, DefaultNotifyChannel, l.channel)
	assert.False(t, l.Listening())
}

func TestNotifyListener_ListenWithoutConnection(t *testing.T) {
	l := NewNotifyListener("host=localhost dbname=test", "", "replica-a", &fakeBroadcaster{}, nil)

	// No receive loop is running; drain the command inline.
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.listen(ctx) }()

	for {
		select {
		case err := <-done:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not established")
			return
		default:
			l.processPendingCmds(t.Context())
		}
	}
}

func TestNotifyListener_Handle(t *testing.T) {
	frame := []byte(`{"type":"agent_started","user_id":"alice","thread_id":"t1","request_id":"r1","sequence":1}`)

	t.Run("relays frames from other replicas with db_event_id", func(t *testing.T) {
		b := &fakeBroadcaster{}
		l := NewNotifyListener("", "", "replica-a", b, nil)

		l.handle(t.Context(), notifyPayload(t, notification{Origin: "replica-b", UserID: "alice", DBEventID: 5, Frame: frame}))

		sent := b.frames()
		require.Len(t, sent, 1)
		assert.Equal(t, events.UserID("alice"), sent[0].user)

		var m map[string]any
		require.NoError(t, json.Unmarshal(sent[0].frame, &m))
		assert.Equal(t, float64(5), m["db_event_id"])
		assert.Equal(t, "agent_started", m["type"])
		assert.Equal(t, int64(1), l.Relayed())
	})

	t.Run("skips own notifications", func(t *testing.T) {
		b := &fakeBroadcaster{}
		l := NewNotifyListener("", "", "replica-a", b, nil)

		l.handle(t.Context(), notifyPayload(t, notification{Origin: "replica-a", UserID: "alice", DBEventID: 5, Frame: frame}))
		assert.Empty(t, b.frames())
	})

	t.Run("reloads truncated frames", func(t *testing.T) {
		b := &fakeBroadcaster{}
		loader := &fakeLoader{frames: map[int64][]byte{9: frame}}
		l := NewNotifyListener("", "", "replica-a", b, loader)

		l.handle(t.Context(), notifyPayload(t, notification{Origin: "replica-b", UserID: "alice", DBEventID: 9, Truncated: true}))

		assert.Equal(t, 1, loader.calls)
		require.Len(t, b.frames(), 1)
	})

	t.Run("drops truncated frames that cannot be reloaded", func(t *testing.T) {
		b := &fakeBroadcaster{}
		loader := &fakeLoader{frames: map[int64][]byte{}}
		l := NewNotifyListener("", "", "replica-a", b, loader)

		l.handle(t.Context(), notifyPayload(t, notification{Origin: "replica-b", UserID: "alice", DBEventID: 9, Truncated: true}))
		assert.Empty(t, b.frames())
	})

	t.Run("drops frames owned by another user", func(t *testing.T) {
		b := &fakeBroadcaster{}
		l := NewNotifyListener("", "", "replica-a", b, nil)

		l.handle(t.Context(), notifyPayload(t, notification{Origin: "replica-b", UserID: "bob", DBEventID: 5, Frame: frame}))
		assert.Empty(t, b.frames())
	})

	t.Run("ignores malformed payloads", func(t *testing.T) {
		b := &fakeBroadcaster{}
		l := NewNotifyListener("", "", "replica-a", b, nil)

		l.handle(t.Context(), []byte("{not json"))
		l.handle(t.Context(), notifyPayload(t, notification{Origin: "replica-b", DBEventID: 5, Frame: frame}))
		assert.Empty(t, b.frames())
	})
}

func TestCheckFrameOwner(t *testing.T) {
	err := checkFrameOwner([]byte(`{"user_id":"alice"}`), "alice")
	assert.NoError(t, err)

	err = checkFrameOwner([]byte(`{"user_id":"bob"}`), "alice")
	require.Error(t, err)
	assert.True(t, events.IsIsolationViolation(err))

	var iso *events.IsolationError
	require.True(t, errors.As(err, &iso))
	assert.Equal(t, events.UserID("alice"), iso.Expected)
	assert.Equal(t, events.UserID("bob"), iso.Actual)
}
