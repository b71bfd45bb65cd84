package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// mapDispatchError maps dispatcher errors to HTTP error responses.
func mapDispatchError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, events.ErrInvalidID), errors.Is(err, events.ErrInvalidEventType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, events.ErrPayloadTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, events.ErrIsolationViolation):
		// Security-relevant: log the detail, return a generic message.
		slog.Error("Isolation violation on dispatch", "error", err)
		return echo.NewHTTPError(http.StatusForbidden, "run belongs to another user")
	case errors.Is(err, events.ErrSequenceViolation):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	slog.Error("Unexpected dispatch error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
