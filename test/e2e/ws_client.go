package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/agentwire/pkg/events"
)

// WSEvent is one frame received by the test client.
type WSEvent struct {
	Type     string
	Raw      json.RawMessage
	Parsed   map[string]any
	Received time.Time
}

// WSClient is a WebSocket client connected as one user. Frames are
// collected in arrival order by a background reader.
type WSClient struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	mu      sync.Mutex
	frames  []WSEvent
	arrived chan struct{} // closed and replaced on every new frame
}

// WSConnect dials wsURL as user. The user is passed in the header the
// fronting auth proxy sets.
func WSConnect(ctx context.Context, wsURL, user string) (*WSClient, error) {
	header := http.Header{}
	header.Set("X-Forwarded-User", user)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:    conn,
		ctx:     clientCtx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
		arrived: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Ping sends a ping action.
func (c *WSClient) Ping() error {
	return c.send(map[string]any{"action": "ping"})
}

// Catchup asks for every stored event newer than lastEventID.
func (c *WSClient) Catchup(lastEventID int64) error {
	return c.send(map[string]any{"action": "catchup", "last_event_id": lastEventID})
}

func (c *WSClient) send(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// CollectUntil blocks until done holds for the collected frames or the
// timeout expires. The frames seen last are returned either way.
func (c *WSClient) CollectUntil(done func([]WSEvent) bool, timeout time.Duration) ([]WSEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		snapshot := append([]WSEvent(nil), c.frames...)
		arrived := c.arrived
		c.mu.Unlock()

		if done(snapshot) {
			return snapshot, nil
		}
		select {
		case <-arrived:
		case <-c.doneCh:
			return snapshot, fmt.Errorf("connection closed after %d frames", len(snapshot))
		case <-timer.C:
			return snapshot, fmt.Errorf("timeout after %d frames", len(snapshot))
		}
	}
}

// WaitForEventType returns the first frame of the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	var found *WSEvent
	_, err := c.CollectUntil(func(frames []WSEvent) bool {
		for i := range frames {
			if frames[i].Type == eventType {
				found = &frames[i]
				return true
			}
		}
		return false
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", eventType, err)
	}
	return found, nil
}

// Events returns a snapshot of all collected frames.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WSEvent(nil), c.frames...)
}

// AgentEvents returns the collected agent events, without gateway control
// frames.
func (c *WSClient) AgentEvents() []WSEvent {
	var result []WSEvent
	for _, e := range c.Events() {
		switch e.Type {
		case events.FrameConnectionEstablished, events.FramePong, events.FrameError, events.FrameCatchupOverflow:
			continue
		}
		result = append(result, e)
	}
	return result
}

// Close closes the connection and waits for the reader to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}
		evt := WSEvent{Raw: data, Parsed: parsed, Received: time.Now()}
		evt.Type, _ = parsed["type"].(string)

		c.mu.Lock()
		c.frames = append(c.frames, evt)
		close(c.arrived)
		c.arrived = make(chan struct{})
		c.mu.Unlock()
	}
}
