package registry

import "context"

// Transport is the send side of one physical connection. The registry
// references transports by connection ID and never owns their lifecycle:
// Close is only called by whoever accepted the socket, or by CloseAll at
// shutdown.
type Transport interface {
	// Send writes one text frame. Implementations must honor ctx.
	Send(ctx context.Context, frame []byte) error
	// Close terminates the connection with a human-readable reason.
	Close(reason string) error
}
