package mirror

import (
	"context"
	"log/slog"
	"time"
)

// Retention periodically deletes mirrored events older than the TTL.
// Safe to run on every replica; the delete is idempotent.
type Retention struct {
	store    *EventStore
	ttl      time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetention creates a Retention loop.
func NewRetention(store *EventStore, ttl, interval time.Duration) *Retention {
	return &Retention{store: store, ttl: ttl, interval: interval}
}

// Start launches the background loop.
func (r *Retention) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Event retention started", "ttl", r.ttl, "interval", r.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Retention) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	slog.Info("Event retention stopped")
}

func (r *Retention) run(ctx context.Context) {
	defer close(r.done)

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass.
func (r *Retention) RunOnce(ctx context.Context) {
	count, err := r.store.DeleteOlderThan(ctx, time.Now().Add(-r.ttl))
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old events", "count", count)
	}
}
