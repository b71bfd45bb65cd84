package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Start launches the background leak-detection loop.
func (a *Aggregator) Start(ctx context.Context) {
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	a.mu.Lock()
	a.running = true
	a.startedAt = a.now()
	a.mu.Unlock()

	go a.run(ctx)

	slog.Info("Session leak detection started",
		"interval", a.cfg.CheckInterval,
		"max_session_lifetime", a.cfg.MaxSessionLifetime)
}

// Stop signals the loop to exit and waits for it to finish.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	slog.Info("Session leak detection stopped")
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	// Initial pass on startup
	a.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scan(ctx)
		}
	}
}

// scan runs one leak pass. A panic inside the pass is recovered and
// reported through HealthCheck until the next successful pass.
func (a *Aggregator) scan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session leak scan panicked", "panic", r)
			a.mu.Lock()
			a.scanFailed = fmt.Sprint(r)
			a.mu.Unlock()
		}
	}()

	leaked := a.detectLeaks(a.now())
	a.metrics.SessionsLeaked(ctx, len(leaked))

	a.mu.Lock()
	onLeak := a.onLeak
	a.mu.Unlock()
	for _, rec := range leaked {
		slog.Warn("Session leak detected, forcibly closed",
			"session_id", rec.SessionID,
			"user_id", rec.UserID,
			"age", a.now().Sub(rec.CreatedAt).Round(time.Millisecond))
		if onLeak != nil {
			onLeak(rec)
		}
	}
}

// detectLeaks closes every open session older than MaxSessionLifetime and
// warns once about sessions idle for more than half of it.
func (a *Aggregator) detectLeaks(now time.Time) []SessionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var leaked []SessionRecord
	idleLimit := a.cfg.MaxSessionLifetime / 2
	for _, rec := range a.sessions {
		if !rec.State.IsOpen() {
			continue
		}
		if now.Sub(rec.CreatedAt) > a.cfg.MaxSessionLifetime {
			rec.State = StateError
			rec.ErrorCount++
			rec.LastError = "leaked: exceeded max session lifetime"
			a.pool.LeakedSessions++
			leaked = append(leaked, *rec)
			a.closeLocked(rec)
			continue
		}
		if !rec.warnedInactive && now.Sub(rec.LastActivity) > idleLimit {
			rec.warnedInactive = true
			slog.Warn("Session inactive",
				"session_id", rec.SessionID,
				"idle", now.Sub(rec.LastActivity).Round(time.Millisecond))
		}
	}

	a.lastScan = now
	a.scanFailed = ""
	a.recentExhaustion = 0
	return leaked
}
