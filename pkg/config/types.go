package config

import "time"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	HTTPPort string `yaml:"http_port"`

	// AllowedWSOrigins are origin patterns accepted on /ws. Empty accepts
	// any origin (development only).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig holds per-connection limits.
type WebSocketConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadLimitBytes    int64         `yaml:"read_limit_bytes"`
	MaxPayloadBytes   int           `yaml:"max_payload_bytes"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
}

// SessionsConfig controls the session aggregator and its leak detector.
type SessionsConfig struct {
	// MaxSessionLifetime is how long a session may stay open before it is
	// treated as leaked.
	MaxSessionLifetime time.Duration `yaml:"max_session_lifetime"`

	LeakCheckInterval time.Duration `yaml:"leak_check_interval"`

	// MaxActiveSessions is a soft cap; exceeding it degrades health until
	// the next leak scan. Must exceed ActiveWarningThreshold.
	MaxActiveSessions int `yaml:"max_active_sessions"`

	LeakedDegradedThreshold int64 `yaml:"leaked_degraded_threshold"`
	ActiveWarningThreshold  int   `yaml:"active_warning_threshold"`
}

// DispatchConfig tunes the event dispatcher.
type DispatchConfig struct {
	MirrorTimeout time.Duration `yaml:"mirror_timeout"`

	// CompletedRunRetention keeps finished runs around so late duplicates
	// are still rejected as sequence violations.
	CompletedRunRetention time.Duration `yaml:"completed_run_retention"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MirrorConfig selects the durable copies of delivered events.
type MirrorConfig struct {
	// Postgres enables the events table, catchup, and cross-replica relay.
	// Connection settings come from DB_* environment variables.
	Postgres bool `yaml:"postgres"`

	NotifyChannel string `yaml:"notify_channel"`

	// EventTTL is the maximum age of stored events.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RedisAddr enables the per-user Redis stream mirror when set.
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`
	RedisStreamPrefix string `yaml:"redis_stream_prefix"`
	RedisMaxLen       int64  `yaml:"redis_max_len"`
}
