// Package config loads agentwire.yaml and merges it over built-in defaults.
package config

// Config is the resolved configuration returned by Initialize.
type Config struct {
	configDir string

	Server    *ServerConfig
	WebSocket *WebSocketConfig
	Sessions  *SessionsConfig
	Dispatch  *DispatchConfig
	Mirror    *MirrorConfig
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// RedisEnabled reports whether the Redis stream mirror is configured.
func (c *Config) RedisEnabled() bool {
	return c.Mirror != nil && c.Mirror.RedisAddr != ""
}

// PostgresEnabled reports whether the Postgres mirror is configured.
func (c *Config) PostgresEnabled() bool {
	return c.Mirror != nil && c.Mirror.Postgres
}
