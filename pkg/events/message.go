package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DefaultMaxPayloadBytes is the serialized payload limit applied when the
// caller does not configure one.
const DefaultMaxPayloadBytes = 50 * 1024

// Envelope keys. Payload keys with these names never override the envelope.
const (
	keyType      = "type"
	keyUserID    = "user_id"
	keyThreadID  = "thread_id"
	keyRequestID = "request_id"
	keyTimestamp = "timestamp"
	keyToolID    = "tool_id"
	keySequence  = "sequence"
	keyData      = "data"
)

var envelopeKeys = map[string]bool{
	keyType:      true,
	keyUserID:    true,
	keyThreadID:  true,
	keyRequestID: true,
	keyTimestamp: true,
	keyToolID:    true,
	keySequence:  true,
}

// WebSocketMessage is the outbound envelope for one agent event.
//
// On the wire, tool events carry tool_id at the top level and the payload
// nested under "data"; every other kind merges the payload keys into the
// top level next to the envelope fields. For nested kinds, other top-level
// keys (db_event_id on relayed and replayed frames) round-trip through Extra.
type WebSocketMessage struct {
	Type      EventType
	UserID    UserID
	ThreadID  ThreadID
	RequestID RequestID
	ToolID    ToolID
	Sequence  int // position in the run, 1-based; 0 when not tracked
	Timestamp time.Time
	Payload   map[string]any
	Extra     map[string]any // top-level keys of nested kinds outside the envelope
}

// BuildEnvelope creates a message stamped with the current time.
func BuildEnvelope(t EventType, user UserID, thread ThreadID, request RequestID, payload map[string]any) (*WebSocketMessage, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, t)
	}
	return &WebSocketMessage{
		Type:      t,
		UserID:    user,
		ThreadID:  thread,
		RequestID: request,
		Timestamp: time.Now(),
		Payload:   payload,
	}, nil
}

// nestsPayload reports whether the payload for t goes under "data".
func nestsPayload(t EventType) bool {
	return t.IsToolEvent()
}

// MarshalJSON renders the wire format.
func (m WebSocketMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Payload)+len(m.Extra)+7)
	if nestsPayload(m.Type) {
		for k, v := range m.Extra {
			if envelopeKeys[k] || k == keyData {
				continue
			}
			out[k] = v
		}
		if m.Payload != nil {
			out[keyData] = m.Payload
		}
	} else {
		for k, v := range m.Payload {
			if envelopeKeys[k] {
				continue
			}
			out[k] = v
		}
	}

	out[keyType] = m.Type
	out[keyTimestamp] = epochSeconds(m.Timestamp)
	if m.UserID != "" {
		out[keyUserID] = m.UserID
	}
	if m.ThreadID != "" {
		out[keyThreadID] = m.ThreadID
	}
	if m.RequestID != "" {
		out[keyRequestID] = m.RequestID
	}
	if m.ToolID != "" {
		out[keyToolID] = m.ToolID
	}
	if m.Sequence > 0 {
		out[keySequence] = m.Sequence
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the wire format back into an envelope.
func (m *WebSocketMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var msg WebSocketMessage
	var typ, user, thread, request, tool string
	fields := []struct {
		key string
		dst *string
	}{
		{keyType, &typ},
		{keyUserID, &user},
		{keyThreadID, &thread},
		{keyRequestID, &request},
		{keyToolID, &tool},
	}
	for _, f := range fields {
		if v, ok := raw[f.key]; ok {
			if err := json.Unmarshal(v, f.dst); err != nil {
				return fmt.Errorf("failed to decode %s: %w", f.key, err)
			}
		}
	}
	msg.Type = EventType(typ)
	msg.UserID = UserID(user)
	msg.ThreadID = ThreadID(thread)
	msg.RequestID = RequestID(request)
	msg.ToolID = ToolID(tool)

	if v, ok := raw[keyTimestamp]; ok {
		var secs float64
		if err := json.Unmarshal(v, &secs); err != nil {
			return fmt.Errorf("failed to decode timestamp: %w", err)
		}
		msg.Timestamp = fromEpochSeconds(secs)
	}
	if v, ok := raw[keySequence]; ok {
		if err := json.Unmarshal(v, &msg.Sequence); err != nil {
			return fmt.Errorf("failed to decode sequence: %w", err)
		}
	}

	nested := nestsPayload(msg.Type)
	for k, v := range raw {
		if envelopeKeys[k] {
			continue
		}
		if nested && k == keyData {
			if err := json.Unmarshal(v, &msg.Payload); err != nil {
				return fmt.Errorf("failed to decode data: %w", err)
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("failed to decode %s: %w", k, err)
		}
		dst := &msg.Payload
		if nested {
			dst = &msg.Extra
		}
		if *dst == nil {
			*dst = make(map[string]any)
		}
		(*dst)[k] = val
	}

	*m = msg
	return nil
}

// CheckPayloadSize serializes payload and rejects it when it exceeds limit.
// A non-positive limit selects DefaultMaxPayloadBytes.
func CheckPayloadSize(payload map[string]any, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}
	if len(payload) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(data) > limit {
		return &PayloadError{Size: len(data), Limit: limit}
	}
	return nil
}

// Encode marshals the envelope into a single text frame.
func Encode(m *WebSocketMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", m.Type, err)
	}
	return data, nil
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpochSeconds(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}
