package hub

import (
	"errors"
	"sync"
)

// ErrDuplicateConn is returned by Add when a connection with the same id
// is already registered. Ids are uuids, so hitting this indicates a
// programming error, not a runtime condition.
var ErrDuplicateConn = errors.New("duplicate connection id")

// Registry is the process-wide table of live, authenticated connections.
// It is the only shared mutable state in the hub; all mutation goes
// through Add and Remove. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add inserts c. No duplicate ids are permitted.
func (r *Registry) Add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; ok {
		return ErrDuplicateConn
	}
	r.conns[c.id] = c
	return nil
}

// Remove deletes the connection with the given id. No-op if absent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEachMatching applies fn to every registered connection whose
// authentication-derived scope matches. An empty scope matches every
// connection. fn runs against a snapshot of membership taken at call
// time; connections added or removed mid-iteration may or may not be
// included.
func (r *Registry) ForEachMatching(scope string, fn func(*Conn)) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if scope == "" || c.identity.Scope == scope {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		fn(c)
	}
}
