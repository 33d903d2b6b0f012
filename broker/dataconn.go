package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/b1tg/kvass/internal/relay"
)

var errWaiterClosed = errors.New("broker is shutting down")

// dataWaiter is a paired Sub expecting its data connection
type dataWaiter struct {
	host string
	ch   chan relay.Connection
}

// waiterQueue routes freshly accepted connections to paired Subs. A waiter
// claims the next connection from the same host as its control connection.
// At most one waiter per host exists at a time, since an unframed data
// connection cannot say which pairing it belongs to.
type waiterQueue struct {
	mu      sync.Mutex
	waiters []*dataWaiter
	closed  bool
	// changed is closed and replaced whenever a waiter leaves the queue
	changed chan struct{}
}

// hostOf strips the port from addr so data and control connections of one
// peer compare equal
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// add registers a waiter for host, first waiting for any earlier waiter from
// the same host to resolve. It must happen before the Sub is acked, so the
// data connection can never be accepted ahead of its waiter.
func (q *waiterQueue) add(ctx context.Context, host string) (*dataWaiter, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, errWaiterClosed
		}
		if q.find(host) < 0 {
			w := &dataWaiter{host: host, ch: make(chan relay.Connection, 1)}
			q.waiters = append(q.waiters, w)
			q.mu.Unlock()
			return w, nil
		}
		if q.changed == nil {
			q.changed = make(chan struct{})
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// find returns the index of the waiter for host, or -1. mu must be held.
func (q *waiterQueue) find(host string) int {
	for i, w := range q.waiters {
		if w.host == host {
			return i
		}
	}
	return -1
}

// removeAt drops the waiter at i and wakes blocked adds. mu must be held.
func (q *waiterQueue) removeAt(i int) *dataWaiter {
	w := q.waiters[i]
	q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
	if q.changed != nil {
		close(q.changed)
		q.changed = nil
	}
	return w
}

// deliver hands conn to the oldest waiter from the same host
func (q *waiterQueue) deliver(conn relay.Connection) bool {
	host := hostOf(conn.RemoteAddr())

	q.mu.Lock()
	var claimed *dataWaiter
	if i := q.find(host); i >= 0 {
		claimed = q.removeAt(i)
	}
	q.mu.Unlock()

	if claimed == nil {
		return false
	}
	claimed.ch <- conn
	return true
}

// remove drops w and reports whether it was still pending. False means a
// connection has been, or is being, delivered to w.ch.
func (q *waiterQueue) remove(w *dataWaiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, pending := range q.waiters {
		if pending == w {
			q.removeAt(i)
			return true
		}
	}
	return false
}

// wait blocks until the data connection arrives, timeout expires or ctx ends
func (q *waiterQueue) wait(ctx context.Context, w *dataWaiter, timeout time.Duration) (relay.Connection, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case conn, ok := <-w.ch:
		if !ok {
			return nil, errWaiterClosed
		}
		return conn, nil
	case <-timer:
		if q.remove(w) {
			return nil, &relay.TransportError{Op: "await data connection", Err: context.DeadlineExceeded}
		}
	case <-ctx.Done():
		if q.remove(w) {
			return nil, ctx.Err()
		}
	}

	// Lost the race against deliver; the connection is ours
	conn, ok := <-w.ch
	if !ok {
		return nil, errWaiterClosed
	}
	return conn, nil
}

// close fails every pending waiter and refuses new ones
func (q *waiterQueue) close() {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.closed = true
	if q.changed != nil {
		close(q.changed)
		q.changed = nil
	}
	q.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
}
