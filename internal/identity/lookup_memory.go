package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	userID    int
	expiresAt time.Time
}

// MemoryLookup is an in-memory session token table with per-token expiry,
// suitable for development and tests. Expired tokens are dropped lazily on
// read.
type MemoryLookup struct {
	mu     sync.RWMutex
	tokens map[string]memoryEntry
	ttl    time.Duration
}

// NewMemoryLookup creates a token table whose entries live for ttl.
func NewMemoryLookup(ttl time.Duration) *MemoryLookup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryLookup{
		tokens: make(map[string]memoryEntry),
		ttl:    ttl,
	}
}

// Issue mints a fresh token for userID and records it.
func (l *MemoryLookup) Issue(userID int) string {
	token := uuid.NewString()
	l.mu.Lock()
	l.tokens[token] = memoryEntry{userID: userID, expiresAt: time.Now().Add(l.ttl)}
	l.mu.Unlock()
	return token
}

// Revoke removes a token.
func (l *MemoryLookup) Revoke(token string) {
	l.mu.Lock()
	delete(l.tokens, token)
	l.mu.Unlock()
}

// ResolveUserID implements UserLookup.
func (l *MemoryLookup) ResolveUserID(_ context.Context, token string) (int, bool, error) {
	l.mu.RLock()
	entry, ok := l.tokens[token]
	l.mu.RUnlock()

	if !ok {
		return 0, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		l.mu.Lock()
		delete(l.tokens, token)
		l.mu.Unlock()
		return 0, false, nil
	}
	return entry.userID, true, nil
}
