package gateway

import (
	"context"

	"github.com/coder/websocket"
)

// WSTransport adapts a coder/websocket connection to registry.Transport.
// websocket.Conn.Write is safe for concurrent use, so the registry and the
// connection's own read loop may both send.
type WSTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps conn.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// Send writes one text frame. The caller bounds ctx with its write timeout.
func (t *WSTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

// Close performs a normal closure handshake.
func (t *WSTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
