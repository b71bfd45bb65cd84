package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_NoopMeter(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.EventDispatched(ctx, "agent_started", time.Millisecond)
		m.EventRejected(ctx, "tool_completed", "sequence")
		m.DeliveryFailed(ctx, 2)
		m.NoConnections(ctx)
		m.ConnectionOpened(ctx)
		m.ConnectionClosed(ctx)
		m.SessionsLeaked(ctx, 1)
		m.MirrorFailed(ctx, "redis")
	})
}

func TestNilMetricsDiscards(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.EventDispatched(ctx, "agent_started", time.Millisecond)
		m.DeliveryFailed(ctx, 1)
		m.ConnectionOpened(ctx)
		m.SessionsLeaked(ctx, 3)
	})
}

func TestDefault(t *testing.T) {
	m, err := Default()
	require.NoError(t, err)
	assert.NotNil(t, m)
}
