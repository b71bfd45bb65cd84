// Package telemetry records delivery metrics through OpenTelemetry.
//
// Instruments are created once from a metric.Meter. The global
// MeterProvider is a no-op until the host process installs one, so
// recording is always safe. A nil *Metrics discards everything.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name used by Default.
const InstrumentationName = "github.com/codeready-toolchain/agentwire"

// Metrics holds the instruments shared by the dispatcher, gateway, and
// session aggregator.
type Metrics struct {
	dispatched       metric.Int64Counter
	rejected         metric.Int64Counter
	deliveryFailures metric.Int64Counter
	noConnections    metric.Int64Counter
	connections      metric.Int64UpDownCounter
	sessionsLeaked   metric.Int64Counter
	mirrorFailures   metric.Int64Counter
	dispatchLatency  metric.Float64Histogram
}

// Default builds Metrics on the global MeterProvider.
func Default() (*Metrics, error) {
	return New(otel.Meter(InstrumentationName))
}

// New creates all instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.dispatched, err = meter.Int64Counter("agentwire.events.dispatched",
		metric.WithDescription("Events accepted and broadcast")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("agentwire.events.rejected",
		metric.WithDescription("Events refused at dispatch, by reason")); err != nil {
		return nil, err
	}
	if m.deliveryFailures, err = meter.Int64Counter("agentwire.delivery.failures",
		metric.WithDescription("Per-connection send failures")); err != nil {
		return nil, err
	}
	if m.noConnections, err = meter.Int64Counter("agentwire.delivery.no_connections",
		metric.WithDescription("Events dispatched to users with no open connection")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("agentwire.connections.active",
		metric.WithDescription("Registered WebSocket connections")); err != nil {
		return nil, err
	}
	if m.sessionsLeaked, err = meter.Int64Counter("agentwire.sessions.leaked",
		metric.WithDescription("Sessions closed by leak detection")); err != nil {
		return nil, err
	}
	if m.mirrorFailures, err = meter.Int64Counter("agentwire.mirror.failures",
		metric.WithDescription("Failed writes to the event mirror")); err != nil {
		return nil, err
	}
	if m.dispatchLatency, err = meter.Float64Histogram("agentwire.dispatch.duration",
		metric.WithDescription("Time from dispatch to broadcast completion"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

// EventDispatched records one accepted event and its dispatch latency.
func (m *Metrics) EventDispatched(ctx context.Context, eventType string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.dispatched.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, d.Seconds(), attrs)
}

// EventRejected records an event refused before delivery.
func (m *Metrics) EventRejected(ctx context.Context, eventType, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("reason", reason),
	))
}

// DeliveryFailed records n failed sends.
func (m *Metrics) DeliveryFailed(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveryFailures.Add(ctx, int64(n))
}

// NoConnections records an event for a user with nothing connected.
func (m *Metrics) NoConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.noConnections.Add(ctx, 1)
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}

// SessionsLeaked records sessions force-closed by a leak scan.
func (m *Metrics) SessionsLeaked(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsLeaked.Add(ctx, int64(n))
}

// MirrorFailed records a failed mirror write for backend ("postgres", "redis").
func (m *Metrics) MirrorFailed(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.mirrorFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}
