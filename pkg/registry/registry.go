// Package registry maps users to their live WebSocket connections and
// delivers messages to exactly one user's connections at a time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/connstate"
	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/telemetry"
)

// DefaultWriteTimeout bounds a single send when none is configured.
const DefaultWriteTimeout = 10 * time.Second

// ConnectionRecord is a point-in-time copy of one registered connection.
type ConnectionRecord struct {
	ConnectionID events.ConnectionID `json:"connection_id"`
	UserID       events.UserID       `json:"user_id"`
	State        connstate.State     `json:"state"`
	ConnectedAt  time.Time           `json:"connected_at"`
	LastActivity time.Time           `json:"last_activity"`
	SessionData  map[string]any      `json:"session_data,omitempty"`
	MessagesSent int64               `json:"messages_sent"`
	ErrorCount   int64               `json:"error_count"`
}

// Registration is returned by Register.
type Registration struct {
	Record ConnectionRecord
	// Superseded is the transport previously registered under the same
	// connection ID, if any. It is not closed; the caller decides.
	Superseded Transport
}

// BroadcastResult summarizes one BroadcastToUser call.
type BroadcastResult struct {
	Attempted int
	Delivered int
	Failed    int
	Errors    []error // one *events.DeliveryError per failed send
}

// Stats are registry-wide counters.
type Stats struct {
	Connections  int   `json:"connections"`
	Users        int   `json:"users"`
	MessagesSent int64 `json:"messages_sent"`
	SendFailures int64 `json:"send_failures"`
}

type entry struct {
	record  ConnectionRecord
	machine *connstate.Machine
}

// Registry is the only writer of connection → user mappings. All mutation
// happens under mu; sends happen outside it so a slow socket cannot stall
// register/unregister or another user's broadcast.
type Registry struct {
	mu         sync.RWMutex
	conns      map[events.ConnectionID]*entry
	byUser     map[events.UserID]map[events.ConnectionID]struct{}
	transports map[events.ConnectionID]Transport

	sent   int64
	failed int64

	writeTimeout time.Duration
	metrics      *telemetry.Metrics
	now          func() time.Time
}

// New creates an empty Registry. metrics may be nil.
func New(writeTimeout time.Duration, metrics *telemetry.Metrics) *Registry {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Registry{
		conns:        make(map[events.ConnectionID]*entry),
		byUser:       make(map[events.UserID]map[events.ConnectionID]struct{}),
		transports:   make(map[events.ConnectionID]Transport),
		writeTimeout: writeTimeout,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Register adds a connection in state CONNECTED. Registering an ID that is
// already present replaces the old mapping, even across users.
func (r *Registry) Register(connID events.ConnectionID, user events.UserID, t Transport, sessionData map[string]any) (Registration, error) {
	if connID.IsZero() {
		return Registration{}, fmt.Errorf("%w: connection_id is empty", events.ErrInvalidID)
	}
	if user.IsZero() {
		return Registration{}, fmt.Errorf("%w: user_id is empty", events.ErrInvalidID)
	}
	if t == nil {
		return Registration{}, errors.New("transport is required")
	}

	now := r.now()
	e := &entry{
		record: ConnectionRecord{
			ConnectionID: connID,
			UserID:       user,
			State:        connstate.Connected,
			ConnectedAt:  now,
			LastActivity: now,
			SessionData:  maps.Clone(sessionData),
		},
		machine: connstate.NewMachineAt(connstate.Connected),
	}

	r.mu.Lock()
	var superseded Transport
	if old, exists := r.conns[connID]; exists {
		superseded = r.transports[connID]
		r.detachLocked(connID, old.record.UserID)
	}
	r.conns[connID] = e
	r.transports[connID] = t
	set, ok := r.byUser[user]
	if !ok {
		set = make(map[events.ConnectionID]struct{})
		r.byUser[user] = set
	}
	set[connID] = struct{}{}
	rec := copyRecord(e.record)
	r.mu.Unlock()

	if superseded != nil {
		slog.Info("Connection superseded", "connection_id", connID, "user_id", user)
	} else {
		r.metrics.ConnectionOpened(context.Background())
	}
	return Registration{Record: rec, Superseded: superseded}, nil
}

// Unregister removes a connection. It reports whether the connection was
// registered; a second call for the same ID is a no-op returning false.
func (r *Registry) Unregister(connID events.ConnectionID) bool {
	r.mu.Lock()
	e, exists := r.conns[connID]
	if exists {
		r.detachLocked(connID, e.record.UserID)
	}
	r.mu.Unlock()

	if exists {
		r.metrics.ConnectionClosed(context.Background())
	}
	return exists
}

// detachLocked drops connID from every map. Caller holds mu.
func (r *Registry) detachLocked(connID events.ConnectionID, user events.UserID) {
	delete(r.conns, connID)
	delete(r.transports, connID)
	if set, ok := r.byUser[user]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, user)
		}
	}
}

// GetUserConnections returns snapshots of user's connections.
func (r *Registry) GetUserConnections(user events.UserID) []ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[user]
	out := make([]ConnectionRecord, 0, len(set))
	for id := range set {
		if e, ok := r.conns[id]; ok && e.record.UserID == user {
			out = append(out, copyRecord(e.record))
		}
	}
	return out
}

// GetConnectionInfo returns a snapshot of one connection.
func (r *Registry) GetConnectionInfo(connID events.ConnectionID) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return copyRecord(e.record), true
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(connID events.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		e.record.LastActivity = r.now()
	}
}

// Transition moves a registered connection to state to. Illegal moves
// return a *connstate.TransitionError and leave the state unchanged.
func (r *Registry) Transition(connID events.ConnectionID, to connstate.State) (connstate.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return 0, fmt.Errorf("connection %s is not registered", connID)
	}
	if err := e.machine.Transition(to); err != nil {
		return e.machine.State(), err
	}
	e.record.State = e.machine.State()
	return e.record.State, nil
}

type target struct {
	id events.ConnectionID
	t  Transport
}

// BroadcastToUser delivers msg to every CONNECTED connection of user.
//
// msg.UserID must equal user; a mismatch is an isolation violation and
// nothing is sent. A failed send is counted and does not stop delivery to
// the user's other connections.
func (r *Registry) BroadcastToUser(ctx context.Context, user events.UserID, msg *events.WebSocketMessage) (BroadcastResult, error) {
	if msg == nil {
		return BroadcastResult{}, errors.New("message is nil")
	}
	if msg.UserID != user {
		return BroadcastResult{}, &events.IsolationError{
			Expected: user,
			Actual:   msg.UserID,
			Detail:   "message addressed to a different user",
		}
	}
	frame, err := events.Encode(msg)
	if err != nil {
		return BroadcastResult{}, err
	}
	return r.BroadcastFrame(ctx, user, frame), nil
}

// BroadcastFrame sends an already encoded frame to user's connections.
// Callers are responsible for the frame belonging to user.
func (r *Registry) BroadcastFrame(ctx context.Context, user events.UserID, frame []byte) BroadcastResult {
	targets := r.snapshotTargets(user)
	res := BroadcastResult{Attempted: len(targets)}
	if len(targets) == 0 {
		return res
	}

	outcomes := make(map[events.ConnectionID]bool, len(targets))
	for _, tg := range targets {
		if err := r.send(ctx, tg.t, frame); err != nil {
			derr := &events.DeliveryError{ConnectionID: tg.id, Err: err}
			res.Failed++
			res.Errors = append(res.Errors, derr)
			outcomes[tg.id] = false
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", tg.id, "user_id", user, "error", err)
			continue
		}
		res.Delivered++
		outcomes[tg.id] = true
	}

	r.mu.Lock()
	for id, ok := range outcomes {
		e, exists := r.conns[id]
		if !exists {
			continue
		}
		if ok {
			e.record.MessagesSent++
		} else {
			e.record.ErrorCount++
		}
	}
	r.sent += int64(res.Delivered)
	r.failed += int64(res.Failed)
	r.mu.Unlock()

	r.metrics.DeliveryFailed(ctx, res.Failed)
	return res
}

// snapshotTargets copies user's live transports under the read lock.
func (r *Registry) snapshotTargets(user events.UserID) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[user]
	targets := make([]target, 0, len(set))
	for id := range set {
		e, ok := r.conns[id]
		if !ok || e.record.UserID != user || e.record.State != connstate.Connected {
			continue
		}
		if t, ok := r.transports[id]; ok {
			targets = append(targets, target{id: id, t: t})
		}
	}
	return targets
}

func (r *Registry) send(ctx context.Context, t Transport, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	return t.Send(writeCtx, frame)
}

// HasConnections reports whether user has at least one registered connection.
func (r *Registry) HasConnections(user events.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// Stats returns registry-wide counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections:  len(r.conns),
		Users:        len(r.byUser),
		MessagesSent: r.sent,
		SendFailures: r.failed,
	}
}

// CloseAll closes and unregisters every connection. Used at shutdown.
// A connection re-registered under the same ID while its predecessor was
// closing is left in place.
func (r *Registry) CloseAll(reason string) int {
	type closing struct {
		target
		e *entry
	}
	r.mu.Lock()
	targets := make([]closing, 0, len(r.transports))
	for id, t := range r.transports {
		targets = append(targets, closing{target: target{id: id, t: t}, e: r.conns[id]})
	}
	r.mu.Unlock()

	for _, tg := range targets {
		if err := tg.t.Close(reason); err != nil {
			slog.Debug("Error closing connection", "connection_id", tg.id, "error", err)
		}
		r.mu.Lock()
		current, ok := r.conns[tg.id]
		detached := ok && current == tg.e
		if detached {
			r.detachLocked(tg.id, current.record.UserID)
		}
		r.mu.Unlock()
		if detached {
			r.metrics.ConnectionClosed(context.Background())
		}
	}
	return len(targets)
}

func copyRecord(rec ConnectionRecord) ConnectionRecord {
	rec.SessionData = maps.Clone(rec.SessionData)
	return rec
}
