package events

import (
	"fmt"
	"strings"
	"unicode"
)

// maxIDLength bounds identifiers accepted from upstream callers.
const maxIDLength = 256

// UserID identifies the owner of connections and runs.
type UserID string

// ThreadID identifies a conversation thread.
type ThreadID string

// RequestID identifies a single agent execution within a thread.
type RequestID string

// ConnectionID identifies one physical WebSocket.
type ConnectionID string

// ToolID identifies one tool call within a run.
type ToolID string

// NewUserID validates s and returns it as a UserID.
func NewUserID(s string) (UserID, error) {
	v, err := normalizeID("user_id", s)
	return UserID(v), err
}

// NewThreadID validates s and returns it as a ThreadID.
func NewThreadID(s string) (ThreadID, error) {
	v, err := normalizeID("thread_id", s)
	return ThreadID(v), err
}

// NewRequestID validates s and returns it as a RequestID.
func NewRequestID(s string) (RequestID, error) {
	v, err := normalizeID("request_id", s)
	return RequestID(v), err
}

// NewConnectionID validates s and returns it as a ConnectionID.
func NewConnectionID(s string) (ConnectionID, error) {
	v, err := normalizeID("connection_id", s)
	return ConnectionID(v), err
}

// NewToolID validates s and returns it as a ToolID.
func NewToolID(s string) (ToolID, error) {
	v, err := normalizeID("tool_id", s)
	return ToolID(v), err
}

// normalizeID trims surrounding whitespace and rejects empty, oversized,
// or control-character identifiers.
func normalizeID(field, s string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidID, field)
	}
	if len(v) > maxIDLength {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidID, field, maxIDLength)
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %s contains control characters", ErrInvalidID, field)
		}
	}
	return v, nil
}

// IsZero reports whether the ID was never set.
func (u UserID) IsZero() bool { return strings.TrimSpace(string(u)) == "" }

// IsZero reports whether the ID was never set.
func (c ConnectionID) IsZero() bool { return strings.TrimSpace(string(c)) == "" }

// IsZero reports whether the ID is empty or whitespace-only.
func (t ToolID) IsZero() bool { return strings.TrimSpace(string(t)) == "" }

// RunKey identifies one agent execution.
type RunKey struct {
	User    UserID
	Thread  ThreadID
	Request RequestID
}

// NewRunKey validates all three components.
func NewRunKey(user, thread, request string) (RunKey, error) {
	u, err := NewUserID(user)
	if err != nil {
		return RunKey{}, err
	}
	th, err := NewThreadID(thread)
	if err != nil {
		return RunKey{}, err
	}
	r, err := NewRequestID(request)
	if err != nil {
		return RunKey{}, err
	}
	return RunKey{User: u, Thread: th, Request: r}, nil
}

// String renders the key as user/thread/request. It doubles as the
// session ID the dispatcher registers with the session aggregator.
func (k RunKey) String() string {
	return string(k.User) + "/" + string(k.Thread) + "/" + string(k.Request)
}
