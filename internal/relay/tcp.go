package relay

import (
	"context"
	"fmt"
	"net"
	"time"
)

// tcpConnection adapts a net.Conn to Connection
type tcpConnection struct {
	net.Conn
}

// NewConnection wraps an established net.Conn
func NewConnection(c net.Conn) Connection {
	return &tcpConnection{Conn: c}
}

func (c *tcpConnection) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}

// CloseWrite half-closes the connection when the underlying conn supports it
func (c *tcpConnection) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// TCPListener is a Listener over a plain TCP socket
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP binds addr. A bind failure is the only fatal broker error.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

// Accept waits for the next TCP connection or ctx cancellation
func (l *TCPListener) Accept(ctx context.Context) (Connection, error) {
	// A previous cancelled Accept may have left a deadline behind
	_ = l.ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isClosedErr(err) {
			return nil, ErrListenerClosed
		}
		return nil, &TransportError{Op: "accept", Err: err}
	}
	return NewConnection(conn), nil
}

// Close closes the listener
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address, useful when listening on port 0
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// TCPDialer dials a fixed TCP address
type TCPDialer struct {
	Address string
	// Timeout bounds connection establishment (0 means no limit beyond ctx)
	Timeout time.Duration
	// Proxy is an optional socks5:// URL to dial through
	Proxy string
}

// Dial connects to the configured address
func (d *TCPDialer) Dial(ctx context.Context) (Connection, error) {
	dial, err := netDialer(d.Proxy, d.Timeout)
	if err != nil {
		return nil, &TransportError{Op: "dial " + d.Address, Err: err}
	}
	conn, err := dial(ctx, "tcp", d.Address)
	if err != nil {
		return nil, &TransportError{Op: "dial " + d.Address, Err: err}
	}
	return NewConnection(conn), nil
}

var _ Listener = (*TCPListener)(nil)
var _ Dialer = (*TCPDialer)(nil)
