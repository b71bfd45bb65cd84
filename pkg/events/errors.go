package events

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEventType indicates an event type outside the closed set.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrInvalidID indicates an empty or malformed identifier.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrPayloadTooLarge indicates the serialized payload exceeds the limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrSequenceViolation indicates an event that breaks run ordering rules.
	ErrSequenceViolation = errors.New("event sequence violation")

	// ErrIsolationViolation indicates a message addressed across users.
	ErrIsolationViolation = errors.New("user isolation violation")

	// ErrIllegalTransition indicates a rejected connection state change.
	ErrIllegalTransition = errors.New("illegal connection state transition")

	// ErrDeliveryFailure indicates a transport send failed.
	ErrDeliveryFailure = errors.New("delivery failure")
)

// SequenceError describes why an event was not accepted for a run.
type SequenceError struct {
	Run    RunKey
	Type   EventType
	ToolID ToolID // empty for non-tool events
	Reason string
}

func (e *SequenceError) Error() string {
	if e.ToolID != "" {
		return fmt.Sprintf("%v: run %s: %s (tool_id %s): %s", ErrSequenceViolation, e.Run, e.Type, e.ToolID, e.Reason)
	}
	return fmt.Sprintf("%v: run %s: %s: %s", ErrSequenceViolation, e.Run, e.Type, e.Reason)
}

// Unwrap returns ErrSequenceViolation.
func (e *SequenceError) Unwrap() error {
	return ErrSequenceViolation
}

// IsolationError records the expected owner and the user actually addressed.
type IsolationError struct {
	Expected UserID
	Actual   UserID
	Detail   string
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("%v: expected user %q, got %q: %s", ErrIsolationViolation, e.Expected, e.Actual, e.Detail)
}

// Unwrap returns ErrIsolationViolation.
func (e *IsolationError) Unwrap() error {
	return ErrIsolationViolation
}

// PayloadError reports the serialized size against the configured limit.
type PayloadError struct {
	Size  int
	Limit int
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%v: %d bytes exceeds limit of %d", ErrPayloadTooLarge, e.Size, e.Limit)
}

// Unwrap returns ErrPayloadTooLarge.
func (e *PayloadError) Unwrap() error {
	return ErrPayloadTooLarge
}

// DeliveryError wraps a per-connection transport failure.
type DeliveryError struct {
	ConnectionID ConnectionID
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%v: connection %s: %v", ErrDeliveryFailure, e.ConnectionID, e.Err)
}

// Unwrap returns both the sentinel and the transport cause.
func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailure, e.Err}
}

// IsSequenceViolation reports whether err is (or wraps) a sequence violation.
func IsSequenceViolation(err error) bool {
	return errors.Is(err, ErrSequenceViolation)
}

// IsIsolationViolation reports whether err is (or wraps) an isolation violation.
func IsIsolationViolation(err error) bool {
	return errors.Is(err, ErrIsolationViolation)
}
