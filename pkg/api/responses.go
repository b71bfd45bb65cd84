package api

import (
	"github.com/codeready-toolchain/agentwire/pkg/database"
	"github.com/codeready-toolchain/agentwire/pkg/gateway"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/codeready-toolchain/agentwire/pkg/sessions"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Sessions    sessions.HealthReport  `json:"sessions"`
	Connections registry.Stats         `json:"connections"`
	Gateway     gateway.Stats          `json:"gateway"`
	Database    *database.HealthStatus `json:"database,omitempty"`
	Checks      map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the outcome of one component check.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DispatchResponse is returned by POST /api/v1/dispatch.
type DispatchResponse struct {
	Sequence      int  `json:"sequence"`
	Delivered     int  `json:"delivered"`
	Failed        int  `json:"failed"`
	NoConnections bool `json:"no_connections"`
}

// ConnectionsResponse is returned by GET /api/v1/connections. It lists
// only the caller's own connections.
type ConnectionsResponse struct {
	UserID      string                      `json:"user_id"`
	Connections []registry.ConnectionRecord `json:"connections"`
}
