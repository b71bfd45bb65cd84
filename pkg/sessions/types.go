// Package sessions tracks system-wide session accounting, detects leaked
// sessions, and reports aggregate health.
package sessions

import (
	"errors"
	"time"
)

// State is the lifecycle state of a tracked session.
type State string

// Session states. Created and Active are open; the rest are terminal.
const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// IsOpen reports whether the session still counts as active.
func (s State) IsOpen() bool {
	return s == StateCreated || s == StateActive
}

// Health statuses, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusWarning   = "warning"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	// ErrDuplicateSession is returned when a session ID is already open.
	ErrDuplicateSession = errors.New("session already registered")

	// ErrEmptySessionID is returned for a blank session ID.
	ErrEmptySessionID = errors.New("session id is empty")
)

// SessionRecord is one tracked session.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	State        State     `json:"state"`
	LastActivity time.Time `json:"last_activity"`
	ErrorCount   int       `json:"error_count"`
	LastError    string    `json:"last_error,omitempty"`

	warnedInactive bool
}

// PoolMetrics are the aggregate counters.
type PoolMetrics struct {
	ActiveSessions         int     `json:"active_sessions"`
	TotalSessionsCreated   int64   `json:"total_sessions_created"`
	SessionsClosed         int64   `json:"sessions_closed"`
	LeakedSessions         int64   `json:"leaked_sessions"`
	PoolExhaustionEvents   int64   `json:"pool_exhaustion_events"`
	AvgSessionLifetimeMs   float64 `json:"avg_session_lifetime_ms"`
	PeakConcurrentSessions int     `json:"peak_concurrent_sessions"`
}

// HealthReport is returned by Aggregator.HealthCheck.
type HealthReport struct {
	Status   string      `json:"status"`
	Metrics  PoolMetrics `json:"metrics"`
	LastScan time.Time   `json:"last_scan,omitzero"`
	Reasons  []string    `json:"reasons,omitempty"`
}

// Config controls leak detection and health thresholds.
type Config struct {
	MaxSessionLifetime      time.Duration
	CheckInterval           time.Duration
	MaxActiveSessions       int
	LeakedDegradedThreshold int64
	ActiveWarningThreshold  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessionLifetime:      5 * time.Minute,
		CheckInterval:           60 * time.Second,
		MaxActiveSessions:       5000,
		LeakedDegradedThreshold: 10,
		ActiveWarningThreshold:  1000,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSessionLifetime <= 0 {
		c.MaxSessionLifetime = d.MaxSessionLifetime
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MaxActiveSessions <= 0 {
		c.MaxActiveSessions = d.MaxActiveSessions
	}
	if c.LeakedDegradedThreshold <= 0 {
		c.LeakedDegradedThreshold = d.LeakedDegradedThreshold
	}
	if c.ActiveWarningThreshold <= 0 {
		c.ActiveWarningThreshold = d.ActiveWarningThreshold
	}
	return c
}
