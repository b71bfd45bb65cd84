package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

func TestExtractUser(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		wantUser events.UserID
		wantOK   bool
	}{
		{
			name:     "X-Forwarded-User wins",
			headers:  map[string]string{"X-Forwarded-User": "alice", "X-Forwarded-Email": "bob@example.com", "X-Remote-User": "carol"},
			wantUser: "alice", wantOK: true,
		},
		{
			name:     "falls back to X-Forwarded-Email",
			headers:  map[string]string{"X-Forwarded-Email": "bob@example.com", "X-Remote-User": "carol"},
			wantUser: "bob@example.com", wantOK: true,
		},
		{
			name:     "falls back to X-Remote-User",
			headers:  map[string]string{"X-Remote-User": "carol"},
			wantUser: "carol", wantOK: true,
		},
		{
			name:     "trims whitespace",
			headers:  map[string]string{"X-Forwarded-User": "  alice "},
			wantUser: "alice", wantOK: true,
		},
		{
			name:    "whitespace-only user is rejected",
			headers: map[string]string{"X-Forwarded-User": "   "},
		},
		{
			name: "no headers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			user, ok := extractUser(c)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantUser, user)
		})
	}
}
