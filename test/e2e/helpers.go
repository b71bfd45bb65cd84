package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentwire/pkg/api"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// Dispatch posts one agent event and asserts the response status. The
// decoded body is returned only for 202 responses.
func (app *TestApp) Dispatch(t *testing.T, req api.DispatchRequest, expectedStatus int) api.DispatchResponse {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		app.BaseURL+"/api/v1/dispatch", bytes.NewReader(data))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST /api/v1/dispatch %s: unexpected status", req.EventType)

	var result api.DispatchResponse
	if resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	}
	return result
}

// GetHealth calls GET /health and returns the parsed body.
func (app *TestApp) GetHealth(t *testing.T) api.HealthResponse {
	t.Helper()
	resp, err := http.Get(app.BaseURL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var result api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// runEvent builds a dispatch request for one run.
func runEvent(user, thread, request, eventType string) api.DispatchRequest {
	return api.DispatchRequest{
		UserID:    user,
		ThreadID:  thread,
		RequestID: request,
		EventType: eventType,
	}
}

// toolEvent builds a dispatch request for a tool call within one run.
func toolEvent(user, thread, request, eventType, toolID string) api.DispatchRequest {
	req := runEvent(user, thread, request, eventType)
	req.ToolID = toolID
	return req
}
