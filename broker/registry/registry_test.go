package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a relay.Connection that only records Close
type fakeConn struct {
	addr   string
	closed atomic.Bool
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr}
}

func (c *fakeConn) Read(p []byte) (int, error)    { return 0, errors.New("not implemented") }
func (c *fakeConn) Write(p []byte) (int, error)   { return len(p), nil }
func (c *fakeConn) SetDeadline(t time.Time) error { return nil }
func (c *fakeConn) RemoteAddr() string            { return c.addr }
func (c *fakeConn) Close() error                  { c.closed.Store(true); return nil }
func (c *fakeConn) isClosed() bool                { return c.closed.Load() }

func TestNew_Defaults(t *testing.T) {
	r := New(nil)
	if r.Policy() != PolicyReplace {
		t.Errorf("Expected default policy replace, got: %s", r.Policy())
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d entries", r.Len())
	}
}

func TestRegistry_RegisterAndTake(t *testing.T) {
	r := New(nil)
	conn := newFakeConn("10.0.0.1:5000")

	registered, replaced, err := r.Register(0x31, conn)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if replaced {
		t.Error("Expected first registration not to replace anything")
	}

	if _, ok := r.TakeForPairing(0x30); ok {
		t.Error("Expected no entry for an unregistered id")
	}

	entry, ok := r.TakeForPairing(0x31)
	if !ok {
		t.Fatal("Expected entry for registered id")
	}
	if entry != registered {
		t.Error("Expected the registered entry to be handed out")
	}
	if entry.Conn != conn || entry.SessionID != 0x31 || entry.RemoteAddr != "10.0.0.1:5000" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.RegisteredAt.IsZero() {
		t.Error("Expected RegisteredAt to be set")
	}

	// Consumed: a second pairing finds nothing
	if _, ok := r.TakeForPairing(0x31); ok {
		t.Error("Expected entry to be removed after pairing")
	}
	if conn.isClosed() {
		t.Error("TakeForPairing must hand the connection over open")
	}
}

func TestRegistry_PolicyReplace(t *testing.T) {
	r := New(&Options{Policy: PolicyReplace})
	first := newFakeConn("a")
	second := newFakeConn("b")

	if _, _, err := r.Register(0x31, first); err != nil {
		t.Fatal(err)
	}
	_, replaced, err := r.Register(0x31, second)
	if err != nil {
		t.Fatalf("Expected replace to succeed, got: %v", err)
	}
	if !replaced {
		t.Error("Expected Register to report the replacement")
	}

	if !first.isClosed() {
		t.Error("Expected evicted connection to be closed")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", r.Len())
	}
	entry, ok := r.TakeForPairing(0x31)
	if !ok || entry.Conn != second {
		t.Error("Expected the newest registration to win")
	}
}

func TestRegistry_PolicyReject(t *testing.T) {
	r := New(&Options{Policy: PolicyReject})
	first := newFakeConn("a")
	second := newFakeConn("b")

	if _, _, err := r.Register(0x31, first); err != nil {
		t.Fatal(err)
	}
	_, _, err := r.Register(0x31, second)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("Expected ErrDuplicateSession, got: %v", err)
	}

	if first.isClosed() || second.isClosed() {
		t.Error("Reject policy must not close either connection")
	}
	entry, ok := r.TakeForPairing(0x31)
	if !ok || entry.Conn != first {
		t.Error("Expected the original registration to be kept")
	}
}

func TestRegistry_Evict(t *testing.T) {
	r := New(nil)
	conn := newFakeConn("a")
	_, _, _ = r.Register(0x10, conn)

	if !r.Evict(0x10) {
		t.Fatal("Expected Evict to report an existing entry")
	}
	if !conn.isClosed() {
		t.Error("Expected evicted connection to be closed")
	}
	if r.Evict(0x10) {
		t.Error("Expected second Evict to report nothing")
	}
}

func TestRegistry_ExactlyOncePairing(t *testing.T) {
	r := New(nil)
	_, _, _ = r.Register(0x31, newFakeConn("main"))

	const contenders = 64
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := r.TakeForPairing(0x31); ok {
				accepted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("Expected exactly one pairing, got %d", accepted.Load())
	}
	if r.Len() != 0 {
		t.Errorf("Expected registry to be empty, got %d", r.Len())
	}
}

func TestRegistry_ConcurrentRegisterTake(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 256; i++ {
		id := uint8(i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = r.Register(id, newFakeConn("x"))
		}()
		go func() {
			defer wg.Done()
			r.TakeForPairing(id)
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, every remaining entry is intact
	for _, info := range r.Snapshot() {
		if info.RemoteAddr != "x" {
			t.Errorf("Corrupted entry: %+v", info)
		}
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New(nil)
	_, _, _ = r.Register(0x31, newFakeConn("b"))
	_, _, _ = r.Register(0x02, newFakeConn("a"))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(snap))
	}
	if snap[0].SessionID != "0x02" || snap[1].SessionID != "0x31" {
		t.Errorf("Expected sessions ordered by id, got %s, %s", snap[0].SessionID, snap[1].SessionID)
	}
}

func TestRegistry_CloseAllAndOnChange(t *testing.T) {
	var sizes []int
	var mu sync.Mutex
	r := New(&Options{OnChange: func(n int) {
		mu.Lock()
		sizes = append(sizes, n)
		mu.Unlock()
	}})

	a, b := newFakeConn("a"), newFakeConn("b")
	_, _, _ = r.Register(1, a)
	_, _, _ = r.Register(2, b)
	r.TakeForPairing(3)
	r.CloseAll()

	if !a.isClosed() || !b.isClosed() {
		t.Error("Expected CloseAll to close every connection")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 0}
	if len(sizes) != len(want) {
		t.Fatalf("Expected size updates %v, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("Expected size updates %v, got %v", want, sizes)
			break
		}
	}
}

func TestPolicy_IsValid(t *testing.T) {
	tests := []struct {
		policy Policy
		valid  bool
	}{
		{PolicyReplace, true},
		{PolicyReject, true},
		{Policy("overwrite"), false},
		{Policy(""), false},
	}
	for _, tt := range tests {
		if tt.policy.IsValid() != tt.valid {
			t.Errorf("Policy(%q).IsValid() = %v, want %v", tt.policy, !tt.valid, tt.valid)
		}
	}
}

func TestEntry_WaitReady(t *testing.T) {
	r := New(nil)
	entry, _, _ := r.Register(0x31, newFakeConn("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := entry.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected WaitReady to block until marked, got: %v", err)
	}

	entry.MarkReady(nil)
	entry.MarkReady(errors.New("ignored after the first call"))
	if err := entry.WaitReady(context.Background()); err != nil {
		t.Errorf("Expected ready entry, got: %v", err)
	}
}

func TestEntry_ReplacedIsNotReady(t *testing.T) {
	r := New(nil)
	first, _, _ := r.Register(0x31, newFakeConn("a"))
	_, _, _ = r.Register(0x31, newFakeConn("b"))

	if err := first.WaitReady(context.Background()); err == nil {
		t.Error("Expected a replaced entry to report an error")
	}
}

func TestRegistry_Release(t *testing.T) {
	r := New(nil)
	oldConn, newConn := newFakeConn("a"), newFakeConn("b")
	old, _, _ := r.Register(0x31, oldConn)
	_, _, _ = r.Register(0x31, newConn)

	// Releasing a stale entry must not remove the newer registration
	r.Release(old)
	if r.Len() != 1 {
		t.Fatalf("Expected newer registration to survive, got %d entries", r.Len())
	}
	if newConn.isClosed() {
		t.Error("Expected newer registration to stay open")
	}

	current, _, _ := r.Register(0x40, newFakeConn("c"))
	r.Release(current)
	if !current.Conn.(*fakeConn).isClosed() {
		t.Error("Expected Release to close the connection")
	}
	if _, ok := r.TakeForPairing(0x40); ok {
		t.Error("Expected released entry to be removed")
	}
}
