package relay

import (
	"context"
	"errors"
	"net"
	"sync"
)

// ErrDialerClosed is returned when dialing a closed in-memory listener
var ErrDialerClosed = errors.New("memory listener is closed")

// MemoryListener is an in-memory implementation of Listener for testing
type MemoryListener struct {
	connections chan Connection
	done        chan struct{}
	closeOnce   sync.Once
}

// NewMemoryListener creates a new in-memory listener
func NewMemoryListener() *MemoryListener {
	return &MemoryListener{
		connections: make(chan Connection, 16),
		done:        make(chan struct{}),
	}
}

// Accept waits for and returns the next connection
func (l *MemoryListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case conn := <-l.connections:
		return conn, nil
	}
}

// Close closes the listener
func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

// Addr returns a fixed descriptive address
func (l *MemoryListener) Addr() string {
	return "memory"
}

// Dial creates a synchronous pipe and queues its far end on the listener
func (l *MemoryListener) Dial(ctx context.Context) (Connection, error) {
	client, server := net.Pipe()

	select {
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	case <-l.done:
		_ = client.Close()
		_ = server.Close()
		return nil, ErrDialerClosed
	case l.connections <- NewConnection(server):
		return NewConnection(client), nil
	}
}

var _ Listener = (*MemoryListener)(nil)
var _ Dialer = (*MemoryListener)(nil)
