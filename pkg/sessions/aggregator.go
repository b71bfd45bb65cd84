package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/telemetry"
)

// LeakFunc is called, outside the aggregator lock, for every session the
// leak scan force-closes.
type LeakFunc func(SessionRecord)

// Aggregator keeps session records and pool metrics under a single lock.
// The background leak scan takes the same lock as foreground calls.
type Aggregator struct {
	cfg     Config
	metrics *telemetry.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*SessionRecord
	pool     PoolMetrics
	onLeak   LeakFunc

	// leak-scan bookkeeping, guarded by mu
	running    bool
	startedAt  time.Time
	lastScan   time.Time
	scanFailed string

	// exhaustion events since the last completed scan, guarded by mu
	recentExhaustion int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAggregator creates an Aggregator. Zero Config fields take defaults;
// metrics may be nil.
func NewAggregator(cfg Config, metrics *telemetry.Metrics) *Aggregator {
	return &Aggregator{
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*SessionRecord),
	}
}

// SetOnLeak installs the leak callback. Called once during startup.
func (a *Aggregator) SetOnLeak(fn LeakFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLeak = fn
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// RegisterSession opens a session. Exceeding MaxActiveSessions is a soft
// limit: the session is still tracked and a pool exhaustion event is counted.
// Exhaustion degrades health only until the next completed leak scan.
func (a *Aggregator) RegisterSession(id, user string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptySessionID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.sessions[id]; ok && existing.State.IsOpen() {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	now := a.now()
	a.sessions[id] = &SessionRecord{
		SessionID:    id,
		UserID:       user,
		CreatedAt:    now,
		State:        StateCreated,
		LastActivity: now,
	}
	a.pool.TotalSessionsCreated++
	a.pool.ActiveSessions = len(a.sessions)
	if a.pool.ActiveSessions > a.pool.PeakConcurrentSessions {
		a.pool.PeakConcurrentSessions = a.pool.ActiveSessions
	}
	if a.pool.ActiveSessions > a.cfg.MaxActiveSessions {
		a.pool.PoolExhaustionEvents++
		a.recentExhaustion++
		slog.Warn("Active session limit exceeded",
			"session_id", id,
			"active", a.pool.ActiveSessions,
			"max", a.cfg.MaxActiveSessions)
	}
	return nil
}

// UnregisterSession closes a session with final state. A non-terminal
// final state is recorded as closed. It reports whether the session was open.
func (a *Aggregator) UnregisterSession(id string, final State) bool {
	if final.IsOpen() || final == "" {
		final = StateClosed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.sessions[id]
	if !ok {
		return false
	}
	rec.State = final
	a.closeLocked(rec)
	return true
}

// closeLocked removes rec and folds its lifetime into the average.
func (a *Aggregator) closeLocked(rec *SessionRecord) {
	delete(a.sessions, rec.SessionID)
	lifetime := a.now().Sub(rec.CreatedAt)

	a.pool.SessionsClosed++
	n := float64(a.pool.SessionsClosed)
	a.pool.AvgSessionLifetimeMs += (float64(lifetime.Milliseconds()) - a.pool.AvgSessionLifetimeMs) / n
	a.pool.ActiveSessions = len(a.sessions)
}

// RecordSessionActivity marks a session active now.
func (a *Aggregator) RecordSessionActivity(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.sessions[id]
	if !ok {
		return false
	}
	rec.State = StateActive
	rec.LastActivity = a.now()
	rec.warnedInactive = false
	return true
}

// RecordSessionError counts an error against a session. The session
// remains open.
func (a *Aggregator) RecordSessionError(id string, err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.sessions[id]
	if !ok {
		return false
	}
	rec.ErrorCount++
	if err != nil {
		rec.LastError = err.Error()
	}
	return true
}

// Session returns a copy of an open session.
func (a *Aggregator) Session(id string) (SessionRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.sessions[id]
	if !ok {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Metrics returns a copy of the pool metrics.
func (a *Aggregator) Metrics() PoolMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pool
}

// HealthCheck evaluates the pool against the configured thresholds.
func (a *Aggregator) HealthCheck() HealthReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := HealthReport{
		Status:   StatusHealthy,
		Metrics:  a.pool,
		LastScan: a.lastScan,
	}

	if a.scanFailed != "" {
		report.Status = StatusUnhealthy
		report.Reasons = append(report.Reasons, "leak scan failed: "+a.scanFailed)
	}
	if a.running {
		since := a.lastScan
		if since.IsZero() {
			since = a.startedAt
		}
		if stale := a.now().Sub(since); stale > 3*a.cfg.CheckInterval {
			report.Status = StatusUnhealthy
			report.Reasons = append(report.Reasons,
				fmt.Sprintf("no leak scan completed for %s", stale.Round(time.Second)))
		}
	}
	if report.Status == StatusUnhealthy {
		return report
	}

	if a.pool.LeakedSessions > a.cfg.LeakedDegradedThreshold {
		report.Status = StatusDegraded
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("%d leaked sessions exceeds threshold %d", a.pool.LeakedSessions, a.cfg.LeakedDegradedThreshold))
	}
	if a.recentExhaustion > 0 {
		report.Status = StatusDegraded
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("%d pool exhaustion events since the last leak scan", a.recentExhaustion))
	}
	if report.Status == StatusDegraded {
		return report
	}

	if a.pool.ActiveSessions > a.cfg.ActiveWarningThreshold {
		report.Status = StatusWarning
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("%d active sessions exceeds %d", a.pool.ActiveSessions, a.cfg.ActiveWarningThreshold))
	}
	return report
}
