package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type stubBackend struct {
	name  string
	err   error
	calls int
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Mirror(context.Context, *events.WebSocketMessage) error {
	s.calls++
	return s.err
}

func TestMulti_Mirror(t *testing.T) {
	msg := &events.WebSocketMessage{Type: events.EventAgentStarted, UserID: "alice"}

	t.Run("all backends succeed", func(t *testing.T) {
		a, b := &stubBackend{name: "a"}, &stubBackend{name: "b"}
		m := NewMulti(nil, a, b)

		require.NoError(t, m.Mirror(t.Context(), msg))
		assert.Equal(t, 1, a.calls)
		assert.Equal(t, 1, b.calls)
		assert.Equal(t, 2, m.Len())
	})

	t.Run("failure does not skip later backends", func(t *testing.T) {
		errA := errors.New("a down")
		a, b := &stubBackend{name: "a", err: errA}, &stubBackend{name: "b"}
		metrics, err := telemetry.New(noop.NewMeterProvider().Meter("test"))
		require.NoError(t, err)
		m := NewMulti(metrics, a, b)

		err = m.Mirror(t.Context(), msg)
		require.Error(t, err)
		assert.ErrorIs(t, err, errA)
		assert.Contains(t, err.Error(), "a:")
		assert.Equal(t, 1, b.calls)
	})

	t.Run("no backends", func(t *testing.T) {
		assert.NoError(t, NewMulti(nil).Mirror(t.Context(), msg))
	})
}

func TestNewRedisMirror_Defaults(t *testing.T) {
	r := NewRedisMirror(nil, "", 0)
	assert.Equal(t, "redis", r.Name())
	assert.Equal(t, int64(DefaultStreamMaxLen), r.maxLen)
	assert.Equal(t, DefaultStreamPrefix+"alice", r.StreamKey("alice"))
}
