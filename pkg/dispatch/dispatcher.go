// Package dispatch validates agent events and delivers them to the owning
// user's connections.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/codeready-toolchain/agentwire/pkg/sequence"
	"github.com/codeready-toolchain/agentwire/pkg/sessions"
	"github.com/codeready-toolchain/agentwire/pkg/telemetry"
)

// Mirror receives a copy of every delivered event. Failures never affect
// dispatch.
type Mirror interface {
	Mirror(ctx context.Context, msg *events.WebSocketMessage) error
}

// Config holds dispatcher tuning.
type Config struct {
	MaxPayloadBytes int
	MirrorTimeout   time.Duration
	SweepInterval   time.Duration
}

// Request is one event submitted by the agent-execution layer.
type Request struct {
	User    events.UserID    `json:"user_id"`
	Thread  events.ThreadID  `json:"thread_id"`
	Request events.RequestID `json:"request_id"`
	Type    events.EventType `json:"event_type"`
	ToolID  events.ToolID    `json:"tool_id,omitempty"`
	Payload map[string]any   `json:"payload,omitempty"`
}

// Result describes what happened to an accepted event.
type Result struct {
	Sequence      int  `json:"sequence"`
	Delivered     int  `json:"delivered"`
	Failed        int  `json:"failed"`
	NoConnections bool `json:"no_connections"`
}

// Dispatcher is the single entry point for agent events.
type Dispatcher struct {
	registry *registry.Registry
	tracker  *sequence.Tracker
	sessions *sessions.Aggregator
	mirror   Mirror
	metrics  *telemetry.Metrics
	cfg      Config

	// session ID → run, for leak eviction
	runsMu sync.Mutex
	runs   map[string]events.RunKey

	mirrors sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Dispatcher. mirror and metrics may be nil.
func New(reg *registry.Registry, tracker *sequence.Tracker, agg *sessions.Aggregator, mirror Mirror, metrics *telemetry.Metrics, cfg Config) *Dispatcher {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = events.DefaultMaxPayloadBytes
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Dispatcher{
		registry: reg,
		tracker:  tracker,
		sessions: agg,
		mirror:   mirror,
		metrics:  metrics,
		cfg:      cfg,
		runs:     make(map[string]events.RunKey),
	}
}

// Dispatch validates req, commits it to the run's sequence, and broadcasts
// it to the user's connections.
//
// Input, sequence, and isolation errors are returned and nothing is sent.
// Delivery failures are counted in Result and never returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	run, err := events.NewRunKey(string(req.User), string(req.Thread), string(req.Request))
	if err != nil {
		return Result{}, err
	}
	typ, err := events.ParseEventType(string(req.Type))
	if err != nil {
		d.metrics.EventRejected(ctx, string(req.Type), "invalid_type")
		return Result{}, err
	}
	if err := events.CheckPayloadSize(req.Payload, d.cfg.MaxPayloadBytes); err != nil {
		d.metrics.EventRejected(ctx, string(typ), "payload_too_large")
		return Result{}, err
	}
	toolID := events.ToolID(strings.TrimSpace(string(req.ToolID)))

	var (
		res       Result
		delivered *events.WebSocketMessage
	)
	seq, err := d.tracker.Apply(run, typ, toolID, func(seq int) error {
		msg, err := events.BuildEnvelope(typ, run.User, run.Thread, run.Request, req.Payload)
		if err != nil {
			return err
		}
		msg.Sequence = seq
		if typ.IsToolEvent() {
			msg.ToolID = toolID
		}

		br, err := d.registry.BroadcastToUser(ctx, run.User, msg)
		if err != nil {
			return err
		}
		res.Delivered = br.Delivered
		res.Failed = br.Failed
		res.NoConnections = br.Attempted == 0
		delivered = msg

		if seq > 0 {
			d.recordSession(run, typ)
		}
		return nil
	})
	if err != nil {
		d.handleRejection(ctx, run, typ, err)
		return Result{}, err
	}
	res.Sequence = seq

	if res.NoConnections {
		d.metrics.NoConnections(ctx)
		slog.Debug("No connections for user", "user_id", run.User, "event_type", typ)
	}
	d.metrics.EventDispatched(ctx, string(typ), time.Since(start))
	d.mirrorAsync(ctx, delivered)
	return res, nil
}

// recordSession keeps the aggregator in step with the run. Runs under the
// run's lock, so bookkeeping follows acceptance order.
func (d *Dispatcher) recordSession(run events.RunKey, typ events.EventType) {
	id := run.String()
	switch {
	case typ == events.EventAgentStarted:
		if err := d.sessions.RegisterSession(id, string(run.User)); err != nil {
			slog.Warn("Failed to register run session", "session_id", id, "error", err)
		}
		d.runsMu.Lock()
		d.runs[id] = run
		d.runsMu.Unlock()
	case typ == events.EventAgentCompleted:
		d.sessions.UnregisterSession(id, sessions.StateCommitted)
		d.forgetRun(id)
		return
	case typ.IsError():
		d.sessions.RecordSessionError(id, fmt.Errorf("agent reported %s", typ))
	}
	d.sessions.RecordSessionActivity(id)
}

func (d *Dispatcher) handleRejection(ctx context.Context, run events.RunKey, typ events.EventType, err error) {
	var se *events.SequenceError
	switch {
	case errors.As(err, &se):
		d.metrics.EventRejected(ctx, string(typ), "sequence")
		if se.Reason == sequence.ReasonAborted {
			return
		}
		slog.Warn("Sequence violation, run aborted",
			"run", run.String(), "event_type", typ, "tool_id", se.ToolID, "reason", se.Reason)
		id := run.String()
		if d.sessions.RecordSessionError(id, err) {
			d.sessions.UnregisterSession(id, sessions.StateRolledBack)
		}
		d.forgetRun(id)
	case events.IsIsolationViolation(err):
		d.metrics.EventRejected(ctx, string(typ), "isolation")
		slog.Error("Isolation violation at dispatch", "run", run.String(), "error", err)
	default:
		slog.Error("Dispatch failed", "run", run.String(), "event_type", typ, "error", err)
	}
}

func (d *Dispatcher) forgetRun(id string) {
	d.runsMu.Lock()
	delete(d.runs, id)
	d.runsMu.Unlock()
}

// HandleLeak evicts the run behind a leaked session. Installed as the
// aggregator's leak callback.
func (d *Dispatcher) HandleLeak(rec sessions.SessionRecord) {
	d.runsMu.Lock()
	run, ok := d.runs[rec.SessionID]
	delete(d.runs, rec.SessionID)
	d.runsMu.Unlock()
	if !ok {
		return
	}
	if d.tracker.Evict(run) {
		slog.Warn("Evicted leaked run", "run", run.String())
	}
}

func (d *Dispatcher) mirrorAsync(ctx context.Context, msg *events.WebSocketMessage) {
	if d.mirror == nil || msg == nil {
		return
	}
	d.mirrors.Add(1)
	go func() {
		defer d.mirrors.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.MirrorTimeout)
		defer cancel()
		if err := d.mirror.Mirror(mctx, msg); err != nil {
			slog.Warn("Failed to mirror event",
				"user_id", msg.UserID, "event_type", msg.Type, "error", err)
		}
	}()
}

// Start launches the janitor that drops closed runs past retention.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.runJanitor(ctx)
	slog.Info("Dispatcher janitor started", "interval", d.cfg.SweepInterval)
}

// Stop halts the janitor and waits for in-flight mirror writes.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
	}
	d.mirrors.Wait()
}

func (d *Dispatcher) runJanitor(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.tracker.Sweep(); n > 0 {
				slog.Debug("Swept closed runs", "count", n)
			}
		}
	}
}

// TrackedRuns returns the number of runs with live sequence state.
func (d *Dispatcher) TrackedRuns() int {
	return d.tracker.Len()
}
