package config

import "time"

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPPort:        "8080",
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultWebSocketConfig returns the built-in connection limits.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadLimitBytes:    64 * 1024,
		MaxPayloadBytes:   50 * 1024,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// DefaultSessionsConfig returns the built-in aggregator defaults.
func DefaultSessionsConfig() *SessionsConfig {
	return &SessionsConfig{
		MaxSessionLifetime:      5 * time.Minute,
		LeakCheckInterval:       60 * time.Second,
		MaxActiveSessions:       5000,
		LeakedDegradedThreshold: 10,
		ActiveWarningThreshold:  1000,
	}
}

// DefaultDispatchConfig returns the built-in dispatcher defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		MirrorTimeout:         5 * time.Second,
		CompletedRunRetention: time.Minute,
		SweepInterval:         30 * time.Second,
	}
}

// DefaultMirrorConfig returns the built-in mirror defaults. All mirrors
// are off until enabled.
func DefaultMirrorConfig() *MirrorConfig {
	return &MirrorConfig{
		NotifyChannel:     "agentwire_events",
		EventTTL:          24 * time.Hour,
		CleanupInterval:   time.Hour,
		RedisStreamPrefix: "agentwire:events:",
		RedisMaxLen:       1000,
	}
}
