// Package registry holds the process-wide mapping from session id to live
// session record. It is the single source of truth for whether a session
// exists; a session is reachable here iff it has not been terminated.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamgate/streamgate/engine"
)

// ErrDuplicateID reports an attempt to register a second session under an id
// already present. Ids are server-generated, so this indicates a bug rather
// than client misuse.
var ErrDuplicateID = errors.New("session id already registered")

// Session is one live session record: the id issued at creation, the
// exclusively-owned engine handle, and stream bookkeeping.
type Session struct {
	ID        string
	Engine    engine.Handle
	CreatedAt time.Time

	streamOpen atomic.Bool
}

// SetStreamOpen records whether a long-lived response stream is currently
// attached.
func (s *Session) SetStreamOpen(open bool) { s.streamOpen.Store(open) }

// StreamOpen reports whether a long-lived response stream is attached.
func (s *Session) StreamOpen() bool { return s.streamOpen.Load() }

// Registry is a concurrent-safe session store. Construct one per gateway
// (and one per test); there is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers a session under its id.
func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicateID
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session for id, if registered.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes the entry for id and reports whether one was present.
// Deleting an absent id is a no-op: every close path converges here and the
// convergence must be idempotent.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Drain removes every session and returns the removed records, for bulk
// shutdown.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[string]*Session)
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
