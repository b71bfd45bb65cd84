package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "agentwire.yaml"

// AgentwireYAMLConfig represents the complete agentwire.yaml file structure
type AgentwireYAMLConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Sessions  *SessionsConfig  `yaml:"sessions"`
	Dispatch  *DispatchConfig  `yaml:"dispatch"`
	Mirror    *MirrorConfig    `yaml:"mirror"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load agentwire.yaml from configDir (absent file means all defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user sections over built-in defaults
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"http_port", cfg.Server.HTTPPort,
		"postgres_mirror", cfg.PostgresEnabled(),
		"redis_mirror", cfg.RedisEnabled())

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	var file AgentwireYAMLConfig
	if err := loadYAML(filepath.Join(configDir, FileName), &file); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, NewLoadError(FileName, err)
		}
		slog.Info("No configuration file found, using defaults", "file", FileName)
	}

	cfg := &Config{
		configDir: configDir,
		Server:    DefaultServerConfig(),
		WebSocket: DefaultWebSocketConfig(),
		Sessions:  DefaultSessionsConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Mirror:    DefaultMirrorConfig(),
	}

	// Non-zero user values override the defaults.
	merges := []struct {
		section  string
		dst, src any
		present  bool
	}{
		{"server", cfg.Server, file.Server, file.Server != nil},
		{"websocket", cfg.WebSocket, file.WebSocket, file.WebSocket != nil},
		{"sessions", cfg.Sessions, file.Sessions, file.Sessions != nil},
		{"dispatch", cfg.Dispatch, file.Dispatch, file.Dispatch != nil},
		{"mirror", cfg.Mirror, file.Mirror, file.Mirror != nil},
	}
	for _, m := range merges {
		if !m.present {
			continue
		}
		if err := mergo.Merge(m.dst, m.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s config: %w", m.section, err)
		}
	}

	return cfg, nil
}

func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// ExpandEnv passes through original data on template errors, leaving
	// the YAML parser to report them.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
