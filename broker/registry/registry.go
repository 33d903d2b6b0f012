// Package registry holds the broker's registered Main connections and hands
// each one out to at most one pairing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/b1tg/kvass/internal/api"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/protocol"
	"github.com/b1tg/kvass/internal/relay"
)

var (
	// ErrDuplicateSession is returned by Register under PolicyReject when the id is taken
	ErrDuplicateSession = errors.New("session id already registered")
	// ErrSessionNotFound reports that no Main is registered under the requested id
	ErrSessionNotFound = errors.New("session not found")
)

// Policy decides what happens when a Main registers an id that is already taken
type Policy string

const (
	// PolicyReplace evicts and closes the previous registration
	PolicyReplace Policy = "replace"

	// PolicyReject refuses the new registration and keeps the existing one
	PolicyReject Policy = "reject"
)

// IsValid checks if the policy is valid
func (p Policy) IsValid() bool {
	return p == PolicyReplace || p == PolicyReject
}

// String returns the string representation
func (p Policy) String() string {
	return string(p)
}

// Entry is a registered Main connection waiting to be paired
type Entry struct {
	SessionID    protocol.SessionID
	Conn         relay.Connection
	RemoteAddr   string
	RegisteredAt time.Time

	// ready is closed once the registering side has finished writing to Conn
	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error
}

func newEntry(id protocol.SessionID, conn relay.Connection) *Entry {
	return &Entry{
		SessionID:    id,
		Conn:         conn,
		RemoteAddr:   conn.RemoteAddr(),
		RegisteredAt: time.Now(),
		ready:        make(chan struct{}),
	}
}

// MarkReady releases WaitReady. A non-nil err means Conn is unusable.
func (e *Entry) MarkReady(err error) {
	e.readyOnce.Do(func() {
		e.readyErr = err
		close(e.ready)
	})
}

// WaitReady blocks until the registering side has acknowledged the Main.
// Nothing may be written to Conn before it returns nil.
func (e *Entry) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry maps session ids to registered Main connections.
// Every operation holds one mutex, so Register and TakeForPairing are linearizable.
type Registry struct {
	policy Policy
	logger *logging.Logger

	mu      sync.Mutex
	entries map[protocol.SessionID]*Entry

	onChange func(n int)
}

// Options configures the registry
type Options struct {
	// Policy applied to duplicate registrations (optional, defaults to PolicyReplace)
	Policy Policy

	// Logger is used for eviction logging (optional)
	Logger *logging.Logger

	// OnChange observes the registry size, e.g. for a gauge (optional)
	OnChange func(n int)
}

// New creates an empty registry
func New(opts *Options) *Registry {
	if opts == nil {
		opts = &Options{}
	}

	policy := opts.Policy
	if policy == "" {
		policy = PolicyReplace
	}

	return &Registry{
		policy:   policy,
		logger:   opts.Logger,
		entries:  make(map[protocol.SessionID]*Entry),
		onChange: opts.OnChange,
	}
}

// Policy returns the duplicate registration policy in effect
func (r *Registry) Policy() Policy {
	return r.policy
}

// Register stores conn under id and reports whether an earlier registration
// was replaced. On success the registry owns conn until TakeForPairing or
// Evict hands it on; the caller must MarkReady the returned entry once it is
// done writing to conn.
func (r *Registry) Register(id protocol.SessionID, conn relay.Connection) (*Entry, bool, error) {
	r.mu.Lock()

	previous, exists := r.entries[id]
	if exists && r.policy == PolicyReject {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("register 0x%02x: %w", id, ErrDuplicateSession)
	}

	entry := newEntry(id, conn)
	r.entries[id] = entry
	r.changed()
	r.mu.Unlock()

	if exists {
		r.logger.Warn("Replacing registered session",
			logging.Hex("session_id", id),
			logging.String("previous_addr", previous.RemoteAddr))
		previous.MarkReady(ErrSessionNotFound)
		_ = previous.Conn.Close()
	}
	return entry, exists, nil
}

// Release removes entry only if it is still the registration for its id,
// then closes its connection
func (r *Registry) Release(entry *Entry) {
	r.mu.Lock()
	if current, ok := r.entries[entry.SessionID]; ok && current == entry {
		delete(r.entries, entry.SessionID)
		r.changed()
	}
	r.mu.Unlock()

	_ = entry.Conn.Close()
}

// TakeForPairing atomically removes and returns the entry for target.
// At most one caller ever receives a given entry.
func (r *Registry) TakeForPairing(target protocol.SessionID) (*Entry, bool) {
	r.mu.Lock()
	entry, ok := r.entries[target]
	if ok {
		delete(r.entries, target)
		r.changed()
	}
	r.mu.Unlock()

	return entry, ok
}

// Evict removes id and closes its connection. It reports whether an entry existed.
func (r *Registry) Evict(id protocol.SessionID) bool {
	entry, ok := r.TakeForPairing(id)
	if !ok {
		return false
	}
	_ = entry.Conn.Close()
	return true
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the registered sessions ordered by id
func (r *Registry) Snapshot() []api.SessionInfo {
	r.mu.Lock()
	infos := make([]api.SessionInfo, 0, len(r.entries))
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		e := r.entries[protocol.SessionID(id)]
		infos = append(infos, api.SessionInfo{
			SessionID:    fmt.Sprintf("0x%02x", e.SessionID),
			RemoteAddr:   e.RemoteAddr,
			RegisteredAt: e.RegisteredAt,
		})
	}
	r.mu.Unlock()
	return infos
}

// CloseAll evicts every entry, closing their connections
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[protocol.SessionID]*Entry)
	r.changed()
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.Conn.Close()
	}
}

// changed must be called with mu held
func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange(len(r.entries))
	}
}
