// Package identity derives the per-session identifier used to correlate
// records captured within one browsing session.
package identity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Keys under which session state is kept in session-scoped storage.
const (
	SessionKey      = "sitepulse_session_id"
	SessionStartKey = "sitepulse_session_start"
)

// Scope is session-scoped storage: it lives exactly as long as the browsing
// session (a tab, a session cookie) and is cleared without notice.
type Scope interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Provider hands out session identifiers. It holds no per-session state of its
// own; everything lives in the Scope.
type Provider struct {
	now   func() time.Time
	newID func() string
}

// NewProvider returns a provider that generates time-ordered UUIDv7 ids.
func NewProvider() *Provider {
	return &Provider{now: time.Now, newID: newSessionID}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SessionID returns the id stored in scope, generating and persisting one on
// first use. If the scope rejects the write the id is still returned; it just
// won't be recalled on the next call.
func (p *Provider) SessionID(scope Scope) string {
	if id, ok := scope.Get(SessionKey); ok && id != "" {
		return id
	}
	id := p.newID()
	if err := scope.Set(SessionKey, id); err != nil {
		slog.Warn("session id not persisted", "error", err)
		return id
	}
	if err := scope.Set(SessionStartKey, p.now().UTC().Format(time.RFC3339Nano)); err != nil {
		slog.Debug("session start not persisted", "error", err)
	}
	return id
}

// SessionStart returns when the session in scope began, if known.
func (p *Provider) SessionStart(scope Scope) (time.Time, bool) {
	v, ok := scope.Get(SessionStartKey)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MemoryScope is an in-process Scope, one per simulated browsing session.
type MemoryScope struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryScope returns an empty scope.
func NewMemoryScope() *MemoryScope {
	return &MemoryScope{values: make(map[string]string)}
}

func (s *MemoryScope) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryScope) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Clear drops everything, as closing the tab would.
func (s *MemoryScope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
}
