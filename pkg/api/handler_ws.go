package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// gateway. Blocks until the WebSocket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.gateway == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}
	user, ok := extractUser(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authenticated user required")
	}

	// Accept writes its own HTTP error response when the upgrade fails.
	if err := s.gateway.Accept(c.Response(), c.Request(), user, authContext(c)); err != nil {
		slog.Debug("WebSocket session ended with error", "user_id", user, "error", err)
	}
	return nil
}
