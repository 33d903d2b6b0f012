// Package caller implements the Caller Agent. It negotiates a pairing with
// the broker for a target session, opens the data connection and splices it
// to one connection accepted on a local listener.
package caller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/protocol"
	"github.com/b1tg/kvass/internal/relay"
)

const defaultRetryDelay = time.Second

// ErrRejected is returned when the broker has no Main for the target
var ErrRejected = errors.New("pairing rejected by broker")

// Agent pairs local connections with a remote Main, one at a time
type Agent struct {
	broker     relay.Dialer
	local      relay.Listener
	id         protocol.SessionID
	target     protocol.SessionID
	retryDelay time.Duration
	spliceOpts relay.SpliceOptions
	logger     *logging.Logger
}

// Options configures the Caller Agent
type Options struct {
	// Broker dials the rendezvous broker
	Broker relay.Dialer

	// Local accepts the connections to forward; it must already be bound
	Local relay.Listener

	// ID identifies this caller in the handshake
	ID protocol.SessionID

	// Target is the session id of the Main to reach
	Target protocol.SessionID

	// RetryDelay is the pause after a rejected or failed negotiation (optional, defaults to 1s)
	RetryDelay time.Duration

	// SpliceIdleTimeout ends a splice with no traffic for this long (0 disables)
	SpliceIdleTimeout time.Duration

	// FullClose closes both ends of a splice on the first end-of-stream
	// instead of forwarding it
	FullClose bool

	// Logger is used for agent logging (optional)
	Logger *logging.Logger
}

// New creates a Caller Agent
func New(opts *Options) *Agent {
	if opts == nil {
		opts = &Options{}
	}

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &Agent{
		broker:     opts.Broker,
		local:      opts.Local,
		id:         opts.ID,
		target:     opts.Target,
		retryDelay: delay,
		spliceOpts: relay.SpliceOptions{IdleTimeout: opts.SpliceIdleTimeout, FullClose: opts.FullClose},
		logger:     opts.Logger.With(logging.Hex("target", opts.Target)),
	}
}

// Run forwards local connections until ctx is cancelled. It only returns
// ctx.Err() or an error from the local listener.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Caller agent started", logging.String("local_addr", a.local.Addr()))

	for {
		res, err := a.RunOnce(ctx)
		if ctx.Err() != nil {
			a.logger.Info("Caller agent stopped")
			return ctx.Err()
		}

		switch {
		case errors.Is(err, relay.ErrListenerClosed):
			return err
		case err != nil:
			// A failed cycle has used up the Main's registration
			a.logger.Warn("Forwarding failed, retrying",
				logging.Error(err),
				logging.Duration("delay", a.retryDelay))
			if !sleep(ctx, a.retryDelay) {
				a.logger.Info("Caller agent stopped")
				return ctx.Err()
			}
		default:
			a.logger.Info("Local connection finished",
				logging.Bytes("to_main", res.AToB),
				logging.Bytes("from_main", res.BToA))
		}
	}
}

// RunOnce negotiates a pairing, opens the data connection and splices it
// with the next local connection
func (a *Agent) RunOnce(ctx context.Context) (relay.SpliceResult, error) {
	control, err := a.Negotiate(ctx)
	if err != nil {
		return relay.SpliceResult{}, err
	}
	// The control connection stays open for the whole pairing
	defer func() {
		_ = control.Close()
	}()

	if err := protocol.WriteAction(control, protocol.ActionOpenData); err != nil {
		return relay.SpliceResult{}, err
	}

	data, err := a.broker.Dial(ctx)
	if err != nil {
		return relay.SpliceResult{}, fmt.Errorf("dial data connection: %w", err)
	}
	a.logger.Info("Pairing ready, waiting for local connection", logging.String("local_addr", a.local.Addr()))

	local, err := a.local.Accept(ctx)
	if err != nil {
		_ = data.Close()
		return relay.SpliceResult{}, err
	}
	a.logger.Debug("Local connection accepted", logging.String("remote_addr", local.RemoteAddr()))

	stop := context.AfterFunc(ctx, func() {
		_ = data.Close()
		_ = local.Close()
	})
	defer stop()

	return relay.Splice(data, local, &a.spliceOpts)
}

// Negotiate retries the handshake until the broker accepts it or ctx ends
func (a *Agent) Negotiate(ctx context.Context) (relay.Connection, error) {
	for attempt := 1; ; attempt++ {
		conn, err := a.negotiateOnce(ctx)
		if err == nil {
			a.logger.Info("Pairing accepted", logging.Int("attempt", attempt))
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, ErrRejected) {
			a.logger.Info("Target not registered, retrying", logging.Duration("delay", a.retryDelay))
		} else {
			a.logger.Warn("Negotiation failed, retrying", logging.Error(err), logging.Duration("delay", a.retryDelay))
		}

		if !sleep(ctx, a.retryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (a *Agent) negotiateOnce(ctx context.Context) (relay.Connection, error) {
	conn, err := a.broker.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	hdr := protocol.Header{ConnectionID: a.id, Role: protocol.RoleSub, Target: a.target}
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
