// Package mirror copies delivered events to durable stores and relays them
// between replicas.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// ErrEventNotFound is returned by EventStore.GetEvent for an unknown id.
var ErrEventNotFound = errors.New("event not found")

// CatchupEvent is one stored frame with its row id.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// EventStore reads and writes the events table.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore. db should come from database.Client.DB().
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insert stores one encoded frame and returns its id.
func (s *EventStore) insert(ctx context.Context, q execer, msg *events.WebSocketMessage, origin string, frame []byte) (int64, error) {
	createdAt := msg.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO events (user_id, thread_id, request_id, event_type, sequence, origin, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		string(msg.UserID), string(msg.ThreadID), string(msg.RequestID), string(msg.Type),
		msg.Sequence, origin, frame, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}
	return id, nil
}

// GetCatchupEvents returns user's events with id > sinceID, oldest first.
// The query is always scoped to user.
func (s *EventStore) GetCatchupEvents(ctx context.Context, user events.UserID, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE user_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		string(user), sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CatchupEvent
	for rows.Next() {
		var (
			evt CatchupEvent
			raw []byte
		)
		if err := rows.Scan(&evt.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal(raw, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", evt.ID, err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

// GetEvent loads one stored frame by id, scoped to user.
func (s *EventStore) GetEvent(ctx context.Context, user events.UserID, id int64) ([]byte, error) {
	var frame []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE id = $1 AND user_id = $2`,
		id, string(user),
	).Scan(&frame)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", id, err)
	}
	return frame, nil
}

// DeleteOlderThan removes events created before cutoff.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}
