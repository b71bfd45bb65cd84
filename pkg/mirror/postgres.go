package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// DefaultNotifyChannel is the NOTIFY channel shared by all replicas.
const DefaultNotifyChannel = "agentwire_events"

// maxNotifyPayload stays under PostgreSQL's 8000-byte NOTIFY limit.
const maxNotifyPayload = 7900

// notification is the NOTIFY payload relayed between replicas.
type notification struct {
	Origin    string          `json:"origin"`
	UserID    events.UserID   `json:"user_id"`
	DBEventID int64           `json:"db_event_id"`
	Frame     json.RawMessage `json:"frame,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// PostgresMirror persists events and announces them with pg_notify.
type PostgresMirror struct {
	db      *sql.DB
	store   *EventStore
	channel string
	origin  string
}

// NewPostgresMirror creates a PostgresMirror. origin identifies this
// replica so its own notifications can be skipped by its listener.
func NewPostgresMirror(db *sql.DB, channel, origin string) *PostgresMirror {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &PostgresMirror{
		db:      db,
		store:   NewEventStore(db),
		channel: channel,
		origin:  origin,
	}
}

// Name identifies the backend in logs and metrics.
func (p *PostgresMirror) Name() string { return "postgres" }

// Mirror inserts the event and notifies in one transaction. pg_notify is
// transactional, so the notification fires only if the row commits.
func (p *PostgresMirror) Mirror(ctx context.Context, msg *events.WebSocketMessage) error {
	frame, err := events.Encode(msg)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := p.store.insert(ctx, tx, msg, p.origin, frame)
	if err != nil {
		return err
	}

	payload, err := buildNotifyPayload(p.origin, msg.UserID, id, frame)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// buildNotifyPayload embeds the frame, or only routing fields when the
// result would exceed the NOTIFY limit. Receivers reload truncated frames
// by db_event_id.
func buildNotifyPayload(origin string, user events.UserID, id int64, frame []byte) (string, error) {
	n := notification{Origin: origin, UserID: user, DBEventID: id, Frame: frame}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY payload: %w", err)
	}
	if len(data) <= maxNotifyPayload {
		return string(data), nil
	}

	n.Frame = nil
	n.Truncated = true
	data, err = json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated NOTIFY payload: %w", err)
	}
	return string(data), nil
}

// injectDBEventID adds db_event_id to a stored frame so clients can track
// their catchup position.
func injectDBEventID(frame []byte, id int64) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("failed to decode frame for db_event_id injection: %w", err)
	}
	m["db_event_id"] = id
	return json.Marshal(m)
}
