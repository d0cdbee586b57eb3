package main

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const temporarySessionPrefix = "temp-"

// sessionGuard is the session-protection collaborator. The engine notifies it
// when turns start and finish and when a server-assigned identifier
// supersedes a client-side placeholder; the guard decides what sessions the
// host may navigate away from or reset.
type sessionGuard interface {
	markActive(sessionKey string)
	markInactive(sessionKey string)
	replaceTemporaryId(realID string)
}

// newTemporarySessionID mints a client-side placeholder used before the first
// round-trip assigns a real identifier.
func newTemporarySessionID() string {
	return temporarySessionPrefix + uuid.NewString()
}

func isTemporarySessionID(id string) bool {
	return strings.HasPrefix(id, temporarySessionPrefix)
}

// sessionTracker is the in-process sessionGuard. It keeps the set of sessions
// with a turn in flight so the UI can refuse destructive navigation while one
// is generating.
type sessionTracker struct {
	mu     sync.Mutex
	active map[string]bool
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{active: make(map[string]bool)}
}

func (t *sessionTracker) markActive(sessionKey string) {
	if sessionKey == "" {
		return
	}
	t.mu.Lock()
	t.active[sessionKey] = true
	t.mu.Unlock()
}

func (t *sessionTracker) markInactive(sessionKey string) {
	t.mu.Lock()
	delete(t.active, sessionKey)
	t.mu.Unlock()
}

// replaceTemporaryId moves active state from any placeholder id onto the
// server-assigned one.
func (t *sessionTracker) replaceTemporaryId(realID string) {
	if realID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.active {
		if isTemporarySessionID(key) {
			delete(t.active, key)
			t.active[realID] = true
		}
	}
}

func (t *sessionTracker) isActive(sessionKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[sessionKey]
}

func (t *sessionTracker) anyActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) > 0
}
