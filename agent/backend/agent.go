// Package backend implements the Main Agent: it registers a session id with
// the broker and, once paired, splices the broker connection to a backend
// service. Every registration serves exactly one pairing, so the agent
// registers again after each splice.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/protocol"
	"github.com/b1tg/kvass/internal/relay"
)

const defaultReconnectDelay = time.Second

// ErrRejected is returned when the broker refuses the registration
var ErrRejected = errors.New("registration rejected by broker")

// Agent keeps a session registered with the broker and serves pairings
type Agent struct {
	broker         relay.Dialer
	backend        relay.Dialer
	id             protocol.SessionID
	reconnectDelay time.Duration
	spliceOpts     relay.SpliceOptions
	logger         *logging.Logger
}

// Options configures the Main Agent
type Options struct {
	// Broker dials the rendezvous broker
	Broker relay.Dialer

	// Backend dials the service being exposed
	Backend relay.Dialer

	// ID is the session id callers target
	ID protocol.SessionID

	// ReconnectDelay is the pause after a failed cycle (optional, defaults to 1s)
	ReconnectDelay time.Duration

	// SpliceIdleTimeout ends a splice with no traffic for this long (0 disables)
	SpliceIdleTimeout time.Duration

	// FullClose closes both ends of a splice on the first end-of-stream
	// instead of forwarding it
	FullClose bool

	// Logger is used for agent logging (optional)
	Logger *logging.Logger
}

// New creates a Main Agent
func New(opts *Options) *Agent {
	if opts == nil {
		opts = &Options{}
	}

	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	return &Agent{
		broker:         opts.Broker,
		backend:        opts.Backend,
		id:             opts.ID,
		reconnectDelay: delay,
		spliceOpts:     relay.SpliceOptions{IdleTimeout: opts.SpliceIdleTimeout, FullClose: opts.FullClose},
		logger:         opts.Logger.With(logging.Hex("session_id", opts.ID)),
	}
}

// Run serves pairings until ctx is cancelled. Failures are logged and
// retried after the reconnect delay; Run only returns ctx.Err().
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Main agent started")

	for {
		res, err := a.RunOnce(ctx)
		if ctx.Err() != nil {
			a.logger.Info("Main agent stopped")
			return ctx.Err()
		}

		if err != nil {
			a.logger.Warn("Cycle failed, retrying",
				logging.Error(err),
				logging.Duration("delay", a.reconnectDelay))
			if !sleep(ctx, a.reconnectDelay) {
				a.logger.Info("Main agent stopped")
				return ctx.Err()
			}
			continue
		}

		a.logger.Info("Pairing finished",
			logging.Bytes("to_backend", res.AToB),
			logging.Bytes("from_backend", res.BToA))
	}
}

// RunOnce performs one cycle: register, wait for the ack, dial the backend
// and splice until either side closes
func (a *Agent) RunOnce(ctx context.Context) (relay.SpliceResult, error) {
	conn, err := a.register(ctx)
	if err != nil {
		return relay.SpliceResult{}, err
	}

	backendConn, err := a.backend.Dial(ctx)
	if err != nil {
		_ = conn.Close()
		return relay.SpliceResult{}, fmt.Errorf("dial backend: %w", err)
	}
	a.logger.Debug("Connected to backend", logging.String("backend_addr", backendConn.RemoteAddr()))

	// Cancellation tears the splice down
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
		_ = backendConn.Close()
	})
	defer stop()

	return relay.Splice(conn, backendConn, &a.spliceOpts)
}

// register dials the broker and announces the session id
func (a *Agent) register(ctx context.Context) (relay.Connection, error) {
	conn, err := a.broker.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	// The ack may take a while if the broker is busy; cancellation must still unblock it
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	hdr := protocol.Header{ConnectionID: a.id, Role: protocol.RoleMain}
	if err := protocol.WriteHeader(conn, hdr); err != nil {
		_ = conn.Close()
		return nil, err
	}

	ok, err := protocol.ReadAck(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok {
		_ = conn.Close()
		return nil, ErrRejected
	}

	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}

	a.logger.Info("Registered with broker", logging.String("broker_addr", conn.RemoteAddr()))
	return conn, nil
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
