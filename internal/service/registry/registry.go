package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ecosense/ecosense/backend/internal/identity"
)

var ErrSessionNotFound = errors.New("session not found")

// Sender delivers a JSON-encodable frame to one live connection. Sends against
// a closed connection must return an error rather than block.
type Sender interface {
	Send(v any) error
}

// Session is the registry's view of one live connection: immutable for the
// life of the connection, owned by the registry from Add until Remove.
type Session struct {
	ID         string
	DeviceID   string
	RemoteAddr string
	Identity   identity.Identity
	Sender     Sender
	CreatedAt  time.Time
}

// Registry is the single source of truth for which sessions are connected.
// It is the only session state shared across connection goroutines, so all
// access goes through the mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Has reports whether id belongs to a live session.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	_, ok := r.sessions[id]
	r.mu.RUnlock()
	return ok
}

// Remove deletes a session and reports whether it was present. Safe to call
// more than once for the same id, so concurrent close paths stay idempotent.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast sends v to every live session, best effort. Failed sends are
// logged and skipped; delivery is not guaranteed.
func (r *Registry) Broadcast(v any) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Sender.Send(v); err != nil {
			log.Printf("[registry] broadcast to session %s failed: %v", s.ID, err)
		}
	}
}
