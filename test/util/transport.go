package util

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by FakeTransport.Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// FakeTransport records frames in memory. It satisfies registry.Transport.
type FakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	reason  string
	sendErr error
	// Block, when non-nil, is received from before each send completes.
	Block chan struct{}
}

// NewFakeTransport returns a working transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// NewFailingTransport returns a transport whose every Send fails with err.
func NewFailingTransport(err error) *FakeTransport {
	return &FakeTransport{sendErr: err}
}

// Send records frame, or fails when closed or configured to fail.
func (f *FakeTransport) Send(ctx context.Context, frame []byte) error {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

// Close marks the transport closed.
func (f *FakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

// Frames returns a copy of everything sent so far.
func (f *FakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// Count returns the number of frames sent.
func (f *FakeTransport) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// Closed reports whether Close was called, and with what reason.
func (f *FakeTransport) Closed() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}
