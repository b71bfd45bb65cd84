package api

import (
	"encoding/json"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentwire/pkg/dispatch"
	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// bodyOverhead is the allowance for envelope fields on top of the payload limit.
const bodyOverhead = 4 * 1024

// dispatchHandler handles POST /api/v1/dispatch.
// The ingress is for in-cluster agent workers; the payload owner comes from
// the body, not from proxy headers.
func (s *Server) dispatchHandler(c *echo.Context) error {
	limit := int64(events.DefaultMaxPayloadBytes)
	if s.cfg != nil && s.cfg.WebSocket != nil {
		limit = int64(s.cfg.WebSocket.MaxPayloadBytes)
	}
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, limit+bodyOverhead)

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		User:    events.UserID(req.UserID),
		Thread:  events.ThreadID(req.ThreadID),
		Request: events.RequestID(req.RequestID),
		Type:    events.EventType(req.EventType),
		ToolID:  events.ToolID(req.ToolID),
		Payload: req.Payload,
	})
	if err != nil {
		return mapDispatchError(err)
	}

	return c.JSON(http.StatusAccepted, &DispatchResponse{
		Sequence:      res.Sequence,
		Delivered:     res.Delivered,
		Failed:        res.Failed,
		NoConnections: res.NoConnections,
	})
}

// connectionsHandler handles GET /api/v1/connections for the calling user.
func (s *Server) connectionsHandler(c *echo.Context) error {
	user, ok := extractUser(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authenticated user required")
	}
	return c.JSON(http.StatusOK, &ConnectionsResponse{
		UserID:      string(user),
		Connections: s.registry.GetUserConnections(user),
	})
}
