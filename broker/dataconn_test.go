package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/b1tg/kvass/internal/relay"
)

// addrConn is a relay.Connection with a fixed remote address
type addrConn struct {
	relay.Connection
	addr string
}

func (c *addrConn) RemoteAddr() string { return c.addr }
func (c *addrConn) Close() error       { return nil }

func TestHostOf(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"10.0.0.1:4321", "10.0.0.1"},
		{"[::1]:80", "::1"},
		{"pipe", "pipe"},
	}
	for _, tt := range tests {
		if got := hostOf(tt.addr); got != tt.want {
			t.Errorf("hostOf(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestWaiterQueue_DeliverByHost(t *testing.T) {
	q := &waiterQueue{}
	ctx := context.Background()

	a, err := q.add(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.add(ctx, "10.0.0.2")
	if err != nil {
		t.Fatal(err)
	}

	if q.deliver(&addrConn{addr: "10.0.0.3:1"}) {
		t.Error("Expected a connection from an unknown host to be left alone")
	}
	if !q.deliver(&addrConn{addr: "10.0.0.2:5555"}) {
		t.Fatal("Expected delivery to the matching waiter")
	}

	conn, err := q.wait(ctx, b, time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if conn.RemoteAddr() != "10.0.0.2:5555" {
		t.Errorf("Wrong connection delivered: %s", conn.RemoteAddr())
	}

	if _, err := q.wait(ctx, a, 20*time.Millisecond); !relay.IsTimeout(err) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected timeout, got: %v", err)
	}
}

func TestWaiterQueue_OneWaiterPerHost(t *testing.T) {
	q := &waiterQueue{}
	first, err := q.add(context.Background(), "pipe")
	if err != nil {
		t.Fatal(err)
	}

	added := make(chan *dataWaiter, 1)
	go func() {
		w, err := q.add(context.Background(), "pipe")
		if err != nil {
			t.Errorf("add failed: %v", err)
		}
		added <- w
	}()

	select {
	case <-added:
		t.Fatal("Second waiter for the same host must wait for the first")
	case <-time.After(50 * time.Millisecond):
	}

	q.deliver(&addrConn{addr: "pipe"})
	if _, err := q.wait(context.Background(), first, time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case w := <-added:
		if w == nil || w == first {
			t.Error("Expected a fresh waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("Second waiter was never admitted")
	}
}

func TestWaiterQueue_AddCancelled(t *testing.T) {
	q := &waiterQueue{}
	if _, err := q.add(context.Background(), "h"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.add(ctx, "h"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got: %v", err)
	}
}

func TestWaiterQueue_Close(t *testing.T) {
	q := &waiterQueue{}
	w, err := q.add(context.Background(), "h")
	if err != nil {
		t.Fatal(err)
	}

	q.close()

	if _, err := q.wait(context.Background(), w, time.Second); !errors.Is(err, errWaiterClosed) {
		t.Errorf("Expected errWaiterClosed, got: %v", err)
	}
	if _, err := q.add(context.Background(), "h"); !errors.Is(err, errWaiterClosed) {
		t.Errorf("Expected add after close to fail, got: %v", err)
	}
}
