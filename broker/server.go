package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/b1tg/kvass/broker/registry"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/metrics"
	"github.com/b1tg/kvass/internal/protocol"
	"github.com/b1tg/kvass/internal/relay"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDataConnTimeout  = 10 * time.Second
	acceptRetryDelay        = 100 * time.Millisecond
)

// Server accepts raw connections and drives the pairing protocol
type Server struct {
	registry         *registry.Registry
	metrics          *metrics.Metrics
	logger           *logging.Logger
	handshakeTimeout time.Duration
	dataConnTimeout  time.Duration
	spliceOpts       relay.SpliceOptions
	limiter          *rate.Limiter

	waiters *waiterQueue
	wg      sync.WaitGroup
}

// Options configures the broker
type Options struct {
	// Registry holds registered Mains (optional, a replace-policy registry is created)
	Registry *registry.Registry

	// Metrics records broker activity (optional)
	Metrics *metrics.Metrics

	// Logger is used for connection logging (optional)
	Logger *logging.Logger

	// HandshakeTimeout bounds reading the header, and for Subs the action byte (optional, defaults to 10s)
	HandshakeTimeout time.Duration

	// DataConnTimeout bounds the wait for a paired Sub's data connection (optional, defaults to 10s)
	DataConnTimeout time.Duration

	// SpliceIdleTimeout tears down spliced pairs with no traffic for this long (0 disables)
	SpliceIdleTimeout time.Duration

	// FullClose closes the whole pair on the first end-of-stream instead of
	// forwarding it to the other side
	FullClose bool

	// HandshakeRate limits handshakes per second (0 disables)
	HandshakeRate float64

	// HandshakeBurst is the limiter burst size (optional, defaults to 1)
	HandshakeBurst int
}

// NewServer creates a broker
func NewServer(opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.New(&registry.Options{
			Logger:   opts.Logger,
			OnChange: opts.Metrics.SetSessions,
		})
	}

	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	dataConnTimeout := opts.DataConnTimeout
	if dataConnTimeout == 0 {
		dataConnTimeout = defaultDataConnTimeout
	}

	var limiter *rate.Limiter
	if opts.HandshakeRate > 0 {
		burst := opts.HandshakeBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.HandshakeRate), burst)
	}

	return &Server{
		registry:         reg,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		handshakeTimeout: handshakeTimeout,
		dataConnTimeout:  dataConnTimeout,
		spliceOpts: relay.SpliceOptions{
			IdleTimeout: opts.SpliceIdleTimeout,
			FullClose:   opts.FullClose,
		},
		limiter: limiter,
		waiters: &waiterQueue{},
	}
}

// Registry returns the session registry the server pairs against
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Serve runs the accept loop until ctx is cancelled or the listener closes.
// Before returning it closes every registered Main and pending pairing and
// waits for all connection handlers to finish.
func (s *Server) Serve(ctx context.Context, ln relay.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.waiters.close()
		s.registry.CloseAll()
		s.wg.Wait()
		s.logger.Info("Broker stopped")
	}()

	s.logger.Info("Broker accepting connections", logging.String("addr", ln.Addr()))

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, relay.ErrListenerClosed) {
				return nil
			}
			s.logger.Error("Failed to accept connection", logging.Error(err))
			// Brief pause before retrying
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.metrics.RecordAccept()

		// A paired Sub's data connection bypasses the handshake
		if s.waiters.deliver(conn) {
			s.logger.Debug("Data connection routed to pairing", logging.String("remote_addr", conn.RemoteAddr()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection reads the handshake and dispatches on role. Failures end
// this connection only.
func (s *Server) handleConnection(ctx context.Context, conn relay.Connection) {
	log := s.logger.With(logging.String("remote_addr", conn.RemoteAddr()))

	// Unblock handshake reads on shutdown; once registered, a Main is closed by the registry
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	deadline := time.Now().Add(s.handshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		log.Warn("Failed to set handshake deadline", logging.Error(err))
		_ = conn.Close()
		return
	}

	if s.limiter != nil {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		err := s.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			log.Warn("Handshake rate limit exceeded", logging.Error(err))
			s.metrics.RecordHandshakeError(metrics.HandshakeErrorTimeout)
			_ = conn.Close()
			return
		}
	}

	start := time.Now()
	hdr, err := protocol.ReadHeader(conn)
	if err != nil {
		kind := metrics.HandshakeErrorTransport
		switch {
		case protocol.IsProtocolError(err):
			kind = metrics.HandshakeErrorProtocol
		case relay.IsTimeout(err):
			kind = metrics.HandshakeErrorTimeout
		}
		s.metrics.RecordHandshakeError(kind)
		log.Warn("Handshake failed", logging.String("kind", kind), logging.Error(err))
		_ = conn.Close()
		return
	}
	s.metrics.RecordHandshake(time.Since(start))

	log.Info("Handshake received",
		logging.Hex("connection_id", hdr.ConnectionID),
		logging.String("role", hdr.Role.String()),
		logging.Hex("target", hdr.Target))

	switch hdr.Role {
	case protocol.RoleMain:
		s.handleMain(conn, hdr, log)
	case protocol.RoleSub:
		s.handleSub(ctx, conn, hdr, log)
	}
}

// handleMain registers the connection and acknowledges it
func (s *Server) handleMain(conn relay.Connection, hdr protocol.Header, log *logging.Logger) {
	id := hdr.SessionID()

	entry, replaced, err := s.registry.Register(id, conn)
	if err != nil {
		s.metrics.RecordRegistration(metrics.RegistrationRejected)
		log.Warn("Registration rejected", logging.Hex("session_id", id), logging.Error(err))
		_ = protocol.WriteAck(conn, false)
		_ = conn.Close()
		return
	}

	err = protocol.WriteAck(conn, true)
	if err == nil {
		// From here on the connection idles until a Sub pairs with it
		err = conn.SetDeadline(time.Time{})
	}
	entry.MarkReady(err)
	if err != nil {
		log.Warn("Failed to acknowledge registration", logging.Hex("session_id", id), logging.Error(err))
		s.registry.Release(entry)
		return
	}

	result := metrics.RegistrationAccepted
	if replaced {
		result = metrics.RegistrationReplaced
	}
	s.metrics.RecordRegistration(result)
	log.Info("Main registered", logging.Hex("session_id", id), logging.Bool("replaced", replaced))
}

// handleSub pairs a Sub with the registered Main for its target
func (s *Server) handleSub(ctx context.Context, conn relay.Connection, hdr protocol.Header, log *logging.Logger) {
	defer func() {
		_ = conn.Close()
	}()

	target := hdr.SessionID()
	entry, ok := s.registry.TakeForPairing(target)
	if !ok {
		s.metrics.RecordPairing(metrics.PairingNotFound)
		log.Info("No main registered for target, rejecting", logging.Hex("target", target))
		_ = protocol.WriteAck(conn, false)
		return
	}

	// The matched Main is ours now; it never returns to the registry
	pairingID := uuid.New().String()[:8]
	log = log.With(logging.String("pairing_id", pairingID), logging.Hex("session_id", target))
	abort := func(reason string, err error) {
		s.metrics.RecordPairing(metrics.PairingAborted)
		log.Warn("Pairing aborted", logging.String("reason", reason), logging.Error(err))
		_ = entry.Conn.Close()
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	err := entry.WaitReady(readyCtx)
	cancel()
	if err != nil {
		_ = protocol.WriteAck(conn, false)
		abort("main not ready", err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	waiter, err := s.waiters.add(waitCtx, hostOf(conn.RemoteAddr()))
	cancel()
	if err != nil {
		_ = protocol.WriteAck(conn, false)
		abort("data connection slot", err)
		return
	}

	// Fresh deadline for ack and action; waiting above may have used up the first one
	_ = conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	if err := protocol.WriteAck(conn, true); err != nil {
		s.dropWaiter(waiter)
		abort("ack sub", err)
		return
	}

	if _, err := protocol.ReadAction(conn); err != nil {
		s.dropWaiter(waiter)
		abort("read action", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug("Waiting for data connection")
	dataConn, err := s.waiters.wait(ctx, waiter, s.dataConnTimeout)
	if err != nil {
		abort("data connection", err)
		return
	}

	s.metrics.RecordPairing(metrics.PairingAccepted)
	log.Info("Pairing established, splicing data connection",
		logging.String("data_addr", dataConn.RemoteAddr()),
		logging.String("main_addr", entry.RemoteAddr))

	s.splice(ctx, dataConn, entry, log)
}

// dropWaiter cancels a waiter that will never be used, closing any
// connection that was already routed to it
func (s *Server) dropWaiter(w *dataWaiter) {
	if s.waiters.remove(w) {
		return
	}
	if conn, ok := <-w.ch; ok {
		_ = conn.Close()
	}
}

// splice joins the data connection to the Main and records the outcome
func (s *Server) splice(ctx context.Context, dataConn relay.Connection, entry *registry.Entry, log *logging.Logger) {
	s.metrics.SpliceStarted()
	start := time.Now()

	stop := context.AfterFunc(ctx, func() {
		_ = dataConn.Close()
		_ = entry.Conn.Close()
	})
	res, err := relay.Splice(dataConn, entry.Conn, &s.spliceOpts)
	stop()

	elapsed := time.Since(start)
	s.metrics.SpliceFinished(res.AToB, res.BToA, elapsed, err)

	fields := []logging.Field{
		logging.Bytes("to_main", res.AToB),
		logging.Bytes("from_main", res.BToA),
		logging.Duration("duration", elapsed),
	}
	if err != nil {
		log.Warn("Splice ended with error", append(fields, logging.Error(err))...)
		return
	}
	log.Info("Splice finished", fields...)
}
