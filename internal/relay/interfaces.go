package relay

import (
	"context"
	"io"
	"time"
)

// Connection represents a bidirectional byte stream between two endpoints
type Connection interface {
	io.ReadWriteCloser

	// SetDeadline sets the read and write deadline; the zero value clears it
	SetDeadline(t time.Time) error

	// RemoteAddr returns the peer's network address
	RemoteAddr() string
}

// Listener accepts incoming connections
type Listener interface {
	// Accept waits for and returns the next connection to the listener
	// Any blocked Accept is unblocked by Close or by ctx cancellation
	Accept(ctx context.Context) (Connection, error)

	// Close closes the listener
	Close() error

	// Addr returns the listener's network address
	Addr() string
}

// Dialer opens new connections to a fixed remote endpoint
type Dialer interface {
	// Dial establishes a new connection
	Dial(ctx context.Context) (Connection, error)
}

// closeWriter is implemented by connections supporting half-close
type closeWriter interface {
	CloseWrite() error
}
