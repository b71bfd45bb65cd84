package api

// DispatchRequest is the body of POST /api/v1/dispatch.
type DispatchRequest struct {
	UserID    string         `json:"user_id"`
	ThreadID  string         `json:"thread_id"`
	RequestID string         `json:"request_id"`
	EventType string         `json:"event_type"`
	ToolID    string         `json:"tool_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
