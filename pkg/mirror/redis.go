package mirror

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/redis/go-redis/v9"
)

// Redis stream defaults.
const (
	DefaultStreamPrefix = "agentwire:events:"
	DefaultStreamMaxLen = 1000
)

// RedisMirror appends every event to a capped per-user stream, giving a
// short hot history for each user.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
}

// NewRedisMirror creates a RedisMirror.
func NewRedisMirror(rdb *redis.Client, prefix string, maxLen int64) *RedisMirror {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisMirror{rdb: rdb, prefix: prefix, maxLen: maxLen}
}

// Name identifies the backend in logs and metrics.
func (r *RedisMirror) Name() string { return "redis" }

// StreamKey returns the stream holding user's events.
func (r *RedisMirror) StreamKey(user events.UserID) string {
	return r.prefix + string(user)
}

// Mirror XADDs the encoded frame with MAXLEN ~ trimming.
func (r *RedisMirror) Mirror(ctx context.Context, msg *events.WebSocketMessage) error {
	frame, err := events.Encode(msg)
	if err != nil {
		return err
	}
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.StreamKey(msg.UserID),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":       string(msg.Type),
			"thread_id":  string(msg.ThreadID),
			"request_id": string(msg.RequestID),
			"sequence":   msg.Sequence,
			"frame":      string(frame),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.StreamKey(msg.UserID), err)
	}
	return nil
}

// Recent returns up to count of user's most recent frames, newest first.
func (r *RedisMirror) Recent(ctx context.Context, user events.UserID, count int64) ([]string, error) {
	entries, err := r.rdb.XRevRangeN(ctx, r.StreamKey(user), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", r.StreamKey(user), err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if f, ok := e.Values["frame"].(string); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// Ping checks connectivity.
func (r *RedisMirror) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
