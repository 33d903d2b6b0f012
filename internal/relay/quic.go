package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/b1tg/kvass/internal/logging"
	"github.com/quic-go/quic-go"
)

// QUICALPN is the ALPN protocol both ends of the quic transport negotiate
const QUICALPN = "kvass/1"

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 15 * time.Second

	// quicStreamOpen is sent by the dialer so the listener sees the stream
	// before any rendezvous bytes flow; QUIC only announces a stream with data
	quicStreamOpen byte = 0x00

	// quicStreamTimeout bounds how long an accepted connection may take to open its stream
	quicStreamTimeout = 10 * time.Second

	// quicCloseLinger gives buffered stream data time to reach the peer
	// before the connection is torn down
	quicCloseLinger = 2 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// QUICListener accepts rendezvous connections carried on the first
// bidirectional stream of each QUIC connection
type QUICListener struct {
	ln          *quic.Listener
	acceptQueue chan Connection
	done        chan struct{}
	closeOnce   sync.Once
	logger      *logging.Logger
}

// QUICListenerOptions contains configuration for the quic listener
type QUICListenerOptions struct {
	// Address is the UDP address to bind (e.g., "0.0.0.0:4321")
	Address string

	// TLSConfig carries the server certificate. A self-signed certificate
	// is generated when nil.
	TLSConfig *tls.Config

	// Logger is used for debug logging (optional)
	Logger *logging.Logger
}

// ListenQUIC binds the UDP address and starts accepting QUIC connections
func ListenQUIC(opts *QUICListenerOptions) (*QUICListener, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		cert, err := selfSignedCertificate("kvass")
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{QUICALPN}
	}

	ln, err := quic.ListenAddr(opts.Address, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Address, err)
	}

	l := &QUICListener{
		ln:          ln,
		acceptQueue: make(chan Connection),
		done:        make(chan struct{}),
		logger:      opts.Logger,
	}
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Error("QUIC listener stopped", logging.Error(err))
			}
			return
		}
		go l.handshake(conn)
	}
}

// handshake waits for the dialer's stream and hands it to Accept
func (l *QUICListener) handshake(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), quicStreamTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Debug("QUIC stream not opened",
			logging.String("remote_addr", conn.RemoteAddr().String()),
			logging.Error(err))
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	qc := newQUICConnection(conn, stream)

	var marker [1]byte
	_ = stream.SetReadDeadline(time.Now().Add(quicStreamTimeout))
	if _, err := io.ReadFull(stream, marker[:]); err != nil || marker[0] != quicStreamOpen {
		l.logger.Debug("QUIC stream open marker missing",
			logging.String("remote_addr", qc.RemoteAddr()))
		_ = qc.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	select {
	case l.acceptQueue <- qc:
	case <-l.done:
		_ = qc.Close()
	}
}

// Accept waits for and returns the next connection
func (l *QUICListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	case conn := <-l.acceptQueue:
		return conn, nil
	}
}

// Close stops accepting; established connections are left to their owners
func (l *QUICListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

// Addr returns the bound UDP address
func (l *QUICListener) Addr() string {
	return l.ln.Addr().String()
}

// QUICDialer opens one QUIC connection with a single stream per Dial
type QUICDialer struct {
	Address string

	// Timeout bounds connection establishment (0 means no limit beyond ctx)
	Timeout time.Duration

	// TLSConfig verifies the broker. Nil skips verification, matching the
	// self-signed certificate ListenQUIC generates.
	TLSConfig *tls.Config
}

// Dial performs the QUIC handshake and opens the rendezvous stream
func (d *QUICDialer) Dial(ctx context.Context) (Connection, error) {
	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
		}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{QUICALPN}
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, d.Address, tlsConfig, quicConfig())
	if err != nil {
		return nil, &TransportError{Op: "dial " + d.Address, Err: err}
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, &TransportError{Op: "dial " + d.Address, Err: err}
	}

	qc := newQUICConnection(conn, stream)
	if _, err := stream.Write([]byte{quicStreamOpen}); err != nil {
		_ = qc.Close()
		return nil, &TransportError{Op: "dial " + d.Address, Err: err}
	}
	return qc, nil
}

// quicConnection adapts one QUIC stream, and the connection it lives on, to Connection
type quicConnection struct {
	conn      quic.Connection
	stream    quic.Stream
	closeOnce sync.Once
}

func newQUICConnection(conn quic.Connection, stream quic.Stream) *quicConnection {
	return &quicConnection{conn: conn, stream: stream}
}

func (c *quicConnection) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	return n, quicError(err)
}

func (c *quicConnection) Write(p []byte) (int, error) {
	n, err := c.stream.Write(p)
	return n, quicError(err)
}

func (c *quicConnection) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *quicConnection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// CloseWrite sends FIN on the stream; reads keep working
func (c *quicConnection) CloseWrite() error {
	return c.stream.Close()
}

// Close finishes the stream and releases the connection once the peer
// closes it or the linger period ends
func (c *quicConnection) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		_ = c.stream.Close()
		go func() {
			timer := time.NewTimer(quicCloseLinger)
			defer timer.Stop()
			select {
			case <-c.conn.Context().Done():
			case <-timer.C:
			}
			_ = c.conn.CloseWithError(0, "closed")
		}()
	})
	return nil
}

// quicError maps a peer going away to the errors a splice treats as a normal end
func quicError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	var streamErr *quic.StreamError
	if errors.As(err, &appErr) || errors.As(err, &streamErr) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}

// selfSignedCertificate creates an in-memory certificate for the quic listener
func selfSignedCertificate(commonName string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

var _ Listener = (*QUICListener)(nil)
var _ Dialer = (*QUICDialer)(nil)
