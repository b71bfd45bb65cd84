package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentwire/pkg/database"
	"github.com/codeready-toolchain/agentwire/pkg/sessions"
	"github.com/codeready-toolchain/agentwire/pkg/version"
)

var statusRank = map[string]int{
	sessions.StatusHealthy:   0,
	sessions.StatusWarning:   1,
	sessions.StatusDegraded:  2,
	sessions.StatusUnhealthy: 3,
}

func worse(a, b string) string {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// healthHandler handles GET /health.
// Returns 503 only when unhealthy; warning and degraded still serve traffic.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	report := s.sessions.HealthCheck()
	resp := &HealthResponse{
		Status:      report.Status,
		Version:     version.GitCommit,
		Sessions:    report,
		Connections: s.registry.Stats(),
		Gateway:     s.gateway.Stats(),
		Checks: map[string]HealthCheck{
			"sessions": {Status: report.Status},
		},
	}

	if s.dbClient != nil {
		dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
		resp.Database = dbHealth
		if err != nil {
			resp.Status = sessions.StatusUnhealthy
			resp.Checks["database"] = HealthCheck{Status: sessions.StatusUnhealthy, Message: err.Error()}
		} else {
			resp.Status = worse(resp.Status, dbHealth.Status)
			resp.Checks["database"] = HealthCheck{Status: dbHealth.Status}
		}
	}

	if s.listener != nil {
		if s.listener.Listening() {
			resp.Checks["notify_listener"] = HealthCheck{Status: sessions.StatusHealthy}
		} else {
			resp.Status = worse(resp.Status, sessions.StatusDegraded)
			resp.Checks["notify_listener"] = HealthCheck{Status: sessions.StatusDegraded, Message: "not listening"}
		}
	}

	httpStatus := http.StatusOK
	if resp.Status == sessions.StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}
