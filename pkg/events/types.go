// Package events defines the event kinds, identifiers, and wire envelope
// delivered to chat clients over WebSocket.
//
// ════════════════════════════════════════════════════════════════
// Critical Event Lifecycle
// ════════════════════════════════════════════════════════════════
//
// Every agent execution ("run", keyed by user_id × thread_id × request_id)
// emits an ordered stream of critical events:
//
//   agent_started
//   agent_thinking                        (repeated, any time)
//   tool_executing {tool_id}              (opens a tool call)
//   tool_completed {tool_id}              (closes the matching call)
//   agent_completed                       (terminal, nothing after it)
//
// Tool calls with distinct tool_ids may overlap. A run is complete when
// agent_completed has been delivered and no tool call is left open.
//
// Error kinds (agent_error, tool_error, system_error) report failures.
// They may appear at any point before agent_completed, including before
// agent_started, and never open or close a run.
//
// ════════════════════════════════════════════════════════════════
package events

import (
	"fmt"
	"strings"
)

// EventType is the "type" field of every outbound message.
type EventType string

// Critical event types, in their natural lifecycle order.
const (
	EventAgentStarted   EventType = "agent_started"
	EventAgentThinking  EventType = "agent_thinking"
	EventToolExecuting  EventType = "tool_executing"
	EventToolCompleted  EventType = "tool_completed"
	EventAgentCompleted EventType = "agent_completed"
)

// Error event types used for failure reporting.
const (
	EventAgentError  EventType = "agent_error"
	EventToolError   EventType = "tool_error"
	EventSystemError EventType = "system_error"
)

// Control frames sent by the gateway itself. They are not agent events and
// never pass through the dispatcher.
const (
	FrameConnectionEstablished = "connection.established"
	FramePong                  = "pong"
	FrameError                 = "error"
	FrameCatchupOverflow       = "catchup.overflow"
)

var knownEventTypes = map[EventType]bool{
	EventAgentStarted:   true,
	EventAgentThinking:  true,
	EventToolExecuting:  true,
	EventToolCompleted:  true,
	EventAgentCompleted: true,
	EventAgentError:     false,
	EventToolError:      false,
	EventSystemError:    false,
}

// IsCritical reports whether t is one of the five primary lifecycle events.
func IsCritical(t EventType) bool {
	return knownEventTypes[t]
}

// Valid reports whether t is a recognized event type.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// IsError reports whether t is one of the failure-reporting kinds.
func (t EventType) IsError() bool {
	critical, ok := knownEventTypes[t]
	return ok && !critical
}

// IsToolEvent reports whether t refers to a specific tool call.
func (t EventType) IsToolEvent() bool {
	return t == EventToolExecuting || t == EventToolCompleted || t == EventToolError
}

// ParseEventType converts a raw string into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	return t, nil
}

// CriticalEventTypes returns the five primary events in lifecycle order.
func CriticalEventTypes() []EventType {
	return []EventType{
		EventAgentStarted,
		EventAgentThinking,
		EventToolExecuting,
		EventToolCompleted,
		EventAgentCompleted,
	}
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "ping", "catchup"
	LastEventID *int64 `json:"last_event_id,omitempty"` // For catchup
}
