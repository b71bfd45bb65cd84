package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/events"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/jackc/pgx/v5"
)

// FrameBroadcaster delivers an encoded frame to one user's local
// connections. Implemented by *registry.Registry.
type FrameBroadcaster interface {
	BroadcastFrame(ctx context.Context, user events.UserID, frame []byte) registry.BroadcastResult
}

// FrameLoader reloads a frame whose NOTIFY payload was truncated.
// Implemented by *EventStore.
type FrameLoader interface {
	GetEvent(ctx context.Context, user events.UserID, id int64) ([]byte, error)
}

// listenCmd is executed by the receive loop, the sole goroutine that
// touches the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// NotifyListener relays events published by other replicas to this
// replica's connections.
type NotifyListener struct {
	connString string
	channel    string
	origin     string
	broadcast  FrameBroadcaster
	loader     FrameLoader

	conn   *pgx.Conn
	connMu sync.Mutex

	// cmdCh serializes LISTEN through the receive loop to avoid the
	// "conn busy" race between WaitForNotification and Exec.
	cmdCh     chan listenCmd
	running   atomic.Bool
	listening atomic.Bool
	relayed   atomic.Int64

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener for channel. Notifications whose
// origin equals origin are ignored since they were already delivered locally.
func NewNotifyListener(connString, channel, origin string, broadcast FrameBroadcaster, loader FrameLoader) *NotifyListener {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &NotifyListener{
		connString: connString,
		channel:    channel,
		origin:     origin,
		broadcast:  broadcast,
		loader:     loader,
		cmdCh:      make(chan listenCmd, 4),
	}
}

// Start opens the dedicated connection, starts the receive loop, and
// LISTENs on the channel before returning.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	if err := l.listen(ctx); err != nil {
		l.Stop(context.Background())
		return err
	}
	slog.Info("NotifyListener started", "channel", l.channel, "origin", l.origin)
	return nil
}

func (l *NotifyListener) listen(ctx context.Context) error {
	cmd := listenCmd{
		sql:    "LISTEN " + pgx.Identifier{l.channel}.Sanitize(),
		result: make(chan error, 1),
	}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("LISTEN %s failed: %w", l.channel, err)
		}
		l.listening.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listening reports whether LISTEN is active.
func (l *NotifyListener) Listening() bool {
	return l.running.Load() && l.listening.Load()
}

// Relayed returns how many frames were delivered from other replicas.
func (l *NotifyListener) Relayed() int64 {
	return l.relayed.Load()
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.processPendingCmds(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		// Short timeout so pending commands are picked up promptly.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handle(ctx, []byte(n.Payload))
	}
}

// handle relays one notification to local connections.
func (l *NotifyListener) handle(ctx context.Context, payload []byte) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		slog.Warn("Invalid NOTIFY payload", "error", err)
		return
	}
	if n.Origin == l.origin || n.UserID.IsZero() {
		return
	}

	frame := []byte(n.Frame)
	if n.Truncated || len(frame) == 0 {
		if l.loader == nil {
			return
		}
		loaded, err := l.loader.GetEvent(ctx, n.UserID, n.DBEventID)
		if err != nil {
			slog.Error("Failed to reload truncated event", "db_event_id", n.DBEventID, "error", err)
			return
		}
		frame = loaded
	}

	if err := checkFrameOwner(frame, n.UserID); err != nil {
		slog.Error("Dropping relayed frame", "db_event_id", n.DBEventID, "error", err)
		return
	}
	if enriched, err := injectDBEventID(frame, n.DBEventID); err == nil {
		frame = enriched
	}

	l.broadcast.BroadcastFrame(ctx, n.UserID, frame)
	l.relayed.Add(1)
}

// checkFrameOwner verifies that the frame's envelope user matches the
// notification's routing user.
func checkFrameOwner(frame []byte, user events.UserID) error {
	var env struct {
		UserID events.UserID `json:"user_id"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.UserID != user {
		return &events.IsolationError{Expected: user, Actual: env.UserID, Detail: "relayed frame owner mismatch"}
	}
	return nil
}

func (l *NotifyListener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()

			if conn == nil {
				cmd.result <- errors.New("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the connection with exponential backoff and
// re-issues LISTEN.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		if l.listening.Load() {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
				slog.Error("Re-LISTEN failed", "channel", l.channel, "error", err)
			}
		}
		slog.Info("NotifyListener reconnected")
		return
	}
}

// Stop exits the receive loop, then closes the connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.running.Store(false)

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
