package events

import (
	"encoding/json"
	"fmt"
)

// The payload schema is opaque to delivery. These structs document the
// fields agent workers conventionally send and convert to the generic map
// form via PayloadOf.

// AgentStartedPayload is the conventional payload for agent_started.
type AgentStartedPayload struct {
	AgentName string `json:"agent_name"`
	Message   string `json:"message,omitempty"`
}

// AgentThinkingPayload is the conventional payload for agent_thinking.
type AgentThinkingPayload struct {
	Thought    string `json:"thought"`
	StepNumber int    `json:"step_number,omitempty"`
}

// ToolExecutingPayload is nested under "data" for tool_executing.
type ToolExecutingPayload struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ToolCompletedPayload is nested under "data" for tool_completed.
type ToolCompletedPayload struct {
	ToolName   string `json:"tool_name"`
	Result     any    `json:"result,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// AgentCompletedPayload is the conventional payload for agent_completed.
type AgentCompletedPayload struct {
	Result     any   `json:"result,omitempty"`
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// ErrorPayload is the conventional payload for the error kinds.
type ErrorPayload struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// PayloadOf converts a payload struct into the generic map form.
func PayloadOf(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%T does not encode as a JSON object: %w", v, err)
	}
	return m, nil
}
