package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ConfigValidator validates configuration with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll validates every section and stops at the first error.
func (v *ConfigValidator) ValidateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateWebSocket,
		v.validateSessions,
		v.validateDispatch,
		v.validateMirror,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func positive(section, field string, ok bool) error {
	if ok {
		return nil
	}
	return NewValidationError(section, field, fmt.Errorf("%w: must be positive", ErrInvalidValue))
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s == nil {
		return NewValidationError("server", "", ErrMissingRequiredField)
	}
	if strings.TrimSpace(s.HTTPPort) == "" {
		return NewValidationError("server", "http_port", ErrMissingRequiredField)
	}
	port, err := strconv.Atoi(s.HTTPPort)
	if err != nil || port < 1 || port > 65535 {
		return NewValidationError("server", "http_port", fmt.Errorf("%w: %q is not a valid port", ErrInvalidValue, s.HTTPPort))
	}
	for _, origin := range s.AllowedWSOrigins {
		if strings.TrimSpace(origin) == "" {
			return NewValidationError("server", "allowed_ws_origins", fmt.Errorf("%w: empty origin pattern", ErrInvalidValue))
		}
	}
	return positive("server", "shutdown_timeout", s.ShutdownTimeout > 0)
}

func (v *ConfigValidator) validateWebSocket() error {
	w := v.cfg.WebSocket
	if w == nil {
		return NewValidationError("websocket", "", ErrMissingRequiredField)
	}
	return errors.Join(
		positive("websocket", "handshake_timeout", w.HandshakeTimeout > 0),
		positive("websocket", "write_timeout", w.WriteTimeout > 0),
		positive("websocket", "read_limit_bytes", w.ReadLimitBytes > 0),
		positive("websocket", "max_payload_bytes", w.MaxPayloadBytes > 0),
		positive("websocket", "messages_per_second", w.MessagesPerSecond > 0),
		positive("websocket", "burst", w.Burst > 0),
	)
}

func (v *ConfigValidator) validateSessions() error {
	s := v.cfg.Sessions
	if s == nil {
		return NewValidationError("sessions", "", ErrMissingRequiredField)
	}
	if err := errors.Join(
		positive("sessions", "max_session_lifetime", s.MaxSessionLifetime > 0),
		positive("sessions", "leak_check_interval", s.LeakCheckInterval > 0),
		positive("sessions", "max_active_sessions", s.MaxActiveSessions > 0),
		positive("sessions", "active_warning_threshold", s.ActiveWarningThreshold > 0),
	); err != nil {
		return err
	}
	if s.ActiveWarningThreshold >= s.MaxActiveSessions {
		return NewValidationError("sessions", "active_warning_threshold",
			fmt.Errorf("%w: must be below max_active_sessions (%d)", ErrInvalidValue, s.MaxActiveSessions))
	}
	if s.LeakCheckInterval > s.MaxSessionLifetime {
		return NewValidationError("sessions", "leak_check_interval",
			fmt.Errorf("%w: must not exceed max_session_lifetime (%s)", ErrInvalidValue, s.MaxSessionLifetime))
	}
	return nil
}

func (v *ConfigValidator) validateDispatch() error {
	d := v.cfg.Dispatch
	if d == nil {
		return NewValidationError("dispatch", "", ErrMissingRequiredField)
	}
	return errors.Join(
		positive("dispatch", "mirror_timeout", d.MirrorTimeout > 0),
		positive("dispatch", "completed_run_retention", d.CompletedRunRetention > 0),
		positive("dispatch", "sweep_interval", d.SweepInterval > 0),
	)
}

func (v *ConfigValidator) validateMirror() error {
	m := v.cfg.Mirror
	if m == nil {
		return NewValidationError("mirror", "", ErrMissingRequiredField)
	}
	if m.Postgres {
		if strings.TrimSpace(m.NotifyChannel) == "" {
			return NewValidationError("mirror", "notify_channel", ErrMissingRequiredField)
		}
		if err := errors.Join(
			positive("mirror", "event_ttl", m.EventTTL > 0),
			positive("mirror", "cleanup_interval", m.CleanupInterval > 0),
		); err != nil {
			return err
		}
	}
	if m.RedisAddr != "" {
		if !strings.Contains(m.RedisAddr, ":") {
			return NewValidationError("mirror", "redis_addr", fmt.Errorf("%w: %q must be host:port", ErrInvalidValue, m.RedisAddr))
		}
		if m.RedisDB < 0 {
			return NewValidationError("mirror", "redis_db", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
		return positive("mirror", "redis_max_len", m.RedisMaxLen > 0)
	}
	return nil
}
