// Package registry implements the relay's name registry: the bidirectional
// mapping between a live connection's claimed username and the connection
// itself, kept in lock-step behind a single mutex.
//
// Go's net.Conn has no portable, stable numeric file descriptor a program
// can use as a map key the way the original used the raw fd returned by
// accept(2); Registry instead hands out a monotonically increasing
// connection ID at registration time and uses that as the "fd" side of the
// bidirectional mapping spec.md describes, the same role fulfilled by a
// generated ID in any Go server that needs a stable per-connection handle
// decoupled from the underlying descriptor.
package registry

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/C12AK/TCP-chat/pkg/crypto"
)

// Entry is the registry's view of one live, named connection: its socket,
// its write lock (serializing all sends to it, per spec.md §4.4), and its
// AES key once the handshake has installed one.
type Entry struct {
	ID   uint64
	Name string
	Conn net.Conn

	// WriteMu serializes writes to Conn so that concurrent worker tasks
	// cannot interleave bytes on the same socket.
	WriteMu sync.Mutex

	// aesMu guards AESKey, which is written once by the handshake driver
	// and read by every worker routing a frame to or from this
	// connection afterwards.
	aesMu  sync.RWMutex
	aesKey []byte
}

// SetAESKey installs the connection's AES key. It is called exactly once,
// at the end of a successful handshake.
func (e *Entry) SetAESKey(key []byte) {
	e.aesMu.Lock()
	e.aesKey = key
	e.aesMu.Unlock()
}

// AESKey returns the connection's AES key, or nil if the handshake has not
// installed one yet (the connection is not yet "secured").
func (e *Entry) AESKey() []byte {
	e.aesMu.RLock()
	defer e.aesMu.RUnlock()
	return e.aesKey
}

// zeroAESKey wipes the stored AES key. Called on eviction.
func (e *Entry) zeroAESKey() {
	e.aesMu.Lock()
	crypto.Zero(e.aesKey)
	e.aesKey = nil
	e.aesMu.Unlock()
}

// Registry is a flat, bidirectional username<->connection map guarded by a
// single mutex. No other subsystem's lock (a connection's own WriteMu, in
// particular) is ever taken while the registry's mutex is held — the lock
// order is registry first, per-connection write lock second.
type Registry struct {
	nextID atomic.Uint64

	mu     sync.Mutex
	byName map[string]*Entry
	byID   map[uint64]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Entry),
		byID:   make(map[uint64]*Entry),
	}
}

// NextID reserves the next connection ID. It may be called before the
// connection is registered (or even before the username is known), since
// IDs are never reused regardless of whether registration succeeds.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

// TryRegister registers id under name if and only if name is not already
// claimed by another live connection. It reports whether registration
// succeeded.
func (r *Registry) TryRegister(name string, e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[name]; dup {
		return false
	}

	e.Name = name
	r.byName[name] = e
	r.byID[e.ID] = e
	return true
}

// LookupByName returns the entry registered under name, if any.
func (r *Registry) LookupByName(name string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	return e, ok
}

// LookupByID returns the entry registered under id, if any.
func (r *Registry) LookupByID(id uint64) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

// Evict removes id's entry from both directions of the registry, if
// present, and zeroes its AES key. It is idempotent: evicting an id twice,
// or an id that was never registered, is a no-op after the first call. It
// does not close the underlying connection — callers do that themselves
// once Evict returns, after releasing the registry lock.
func (r *Registry) Evict(id uint64) (*Entry, bool) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byName, e.Name)
	}
	r.mu.Unlock()

	if ok {
		e.zeroAESKey()
	}
	return e, ok
}

// Len returns the number of currently-registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
