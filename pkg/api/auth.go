package api

import (
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// extractUser returns the authenticated user set by the fronting proxy.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy). There is no anonymous fallback: every
// connection must belong to a user.
func extractUser(c *echo.Context) (events.UserID, bool) {
	h := c.Request().Header
	for _, name := range []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Remote-User"} {
		if v := h.Get(name); v != "" {
			user, err := events.NewUserID(v)
			if err != nil {
				return "", false
			}
			return user, true
		}
	}
	return "", false
}

// authContext captures request metadata stored with the connection record.
func authContext(c *echo.Context) map[string]any {
	r := c.Request()
	ctx := map[string]any{
		"remote_addr": r.RemoteAddr,
	}
	if ua := r.UserAgent(); ua != "" {
		ctx["user_agent"] = ua
	}
	if email := r.Header.Get("X-Forwarded-Email"); email != "" {
		ctx["email"] = email
	}
	return ctx
}
