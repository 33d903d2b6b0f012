package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/b1tg/kvass/internal/logging"
	"github.com/gorilla/websocket"
)

// DefaultWSPath is the HTTP path the websocket transport upgrades on
const DefaultWSPath = "/kvass"

// WSListener accepts rendezvous connections carried as binary websocket frames
type WSListener struct {
	ln          net.Listener
	server      *http.Server
	upgrader    websocket.Upgrader
	acceptQueue chan Connection
	done        chan struct{}
	closeOnce   sync.Once
	logger      *logging.Logger
}

// WSListenerOptions contains configuration for the websocket listener
type WSListenerOptions struct {
	// Address is the TCP address to bind (e.g., "0.0.0.0:4321")
	Address string

	// Path is the upgrade path (optional, defaults to DefaultWSPath)
	Path string

	// Logger is used for debug logging (optional)
	Logger *logging.Logger
}

// ListenWS binds the address and starts serving websocket upgrades
func ListenWS(opts *WSListenerOptions) (*WSListener, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}

	ln, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Address, err)
	}

	l := &WSListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 30 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		acceptQueue: make(chan Connection),
		done:        make(chan struct{}),
		logger:      opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("Websocket listener stopped", logging.Error(err))
		}
	}()

	return l, nil
}

// handleUpgrade upgrades the request and hands the connection to Accept
func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("Websocket upgrade failed",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err))
		return
	}

	wsConn := newWSConnection(conn)

	// The hijacked connection outlives this handler
	select {
	case l.acceptQueue <- wsConn:
	case <-l.done:
		_ = wsConn.Close()
	}
}

// Accept waits for and returns the next upgraded connection
func (l *WSListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case conn := <-l.acceptQueue:
		return conn, nil
	}
}

// Close stops the HTTP server; pending upgrades are closed
func (l *WSListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

// Addr returns the bound address
func (l *WSListener) Addr() string {
	return l.ln.Addr().String()
}

// WSDialer dials a websocket broker endpoint
type WSDialer struct {
	// Address is host:port of the broker
	Address string
	// Path is the upgrade path (optional, defaults to DefaultWSPath)
	Path string
	// Timeout bounds the websocket handshake (optional, defaults to 30s)
	Timeout time.Duration
	// Proxy is an optional socks5:// URL to dial through
	Proxy string
}

// URL returns the websocket URL the dialer connects to
func (d *WSDialer) URL() string {
	path := d.Path
	if path == "" {
		path = DefaultWSPath
	}
	u := url.URL{Scheme: "ws", Host: d.Address, Path: path}
	return u.String()
}

// Dial performs the websocket handshake
func (d *WSDialer) Dial(ctx context.Context) (Connection, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	netDial, err := netDialer(d.Proxy, timeout)
	if err != nil {
		return nil, &TransportError{Op: "dial " + d.URL(), Err: err}
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   netDial,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "dial " + d.URL(), Err: fmt.Errorf("status %d: %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "dial " + d.URL(), Err: err}
	}
	return newWSConnection(conn), nil
}

// wsConnection exposes a websocket as a byte stream of binary frames.
// An empty binary frame marks the end of the stream in one direction; Write
// never produces one for data.
type wsConnection struct {
	conn       *websocket.Conn
	reader     io.Reader
	frameEmpty bool
	readEOF    bool
	readMu     sync.Mutex
	writeMu    sync.Mutex
	mu         sync.Mutex
	closed     bool
	wroteEOF   bool
}

func newWSConnection(conn *websocket.Conn) *wsConnection {
	return &wsConnection{conn: conn}
}

// Read reads from the current binary frame, advancing to the next when drained
func (c *wsConnection) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readEOF {
		return 0, io.EOF
	}

	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				if c.isClosed() {
					return 0, ErrConnectionClosed
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, fmt.Errorf("unexpected message type: %d", messageType)
			}
			c.reader = r
			c.frameEmpty = true
		}

		n, err := c.reader.Read(p)
		if n > 0 {
			c.frameEmpty = false
		}
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			if c.frameEmpty {
				c.readEOF = true
				return 0, io.EOF
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary frame
func (c *wsConnection) Write(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrConnectionClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.wroteEOF {
		return 0, ErrConnectionClosed
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetDeadline sets both the read and write deadline
func (c *wsConnection) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConnection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// CloseWrite sends the end-of-stream frame so the peer reads io.EOF while
// frames keep flowing the other way
func (c *wsConnection) CloseWrite() error {
	if c.isClosed() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.wroteEOF {
		return nil
	}
	c.wroteEOF = true
	return c.conn.WriteMessage(websocket.BinaryMessage, nil)
}

// Close sends a best-effort close frame and closes the socket
func (c *wsConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// WriteControl is safe to call concurrently with WriteMessage
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ Connection = (*wsConnection)(nil)
var _ Listener = (*WSListener)(nil)
var _ Dialer = (*WSDialer)(nil)
