package identity

import (
	"errors"
	"testing"
	"time"
)

type readOnlyScope struct{}

func (readOnlyScope) Get(string) (string, bool) { return "", false }
func (readOnlyScope) Set(string, string) error  { return errors.New("storage disabled") }

func TestSessionIDStableWithinScope(t *testing.T) {
	p := NewProvider()
	scope := NewMemoryScope()

	first := p.SessionID(scope)
	if first == "" {
		t.Fatal("empty session id")
	}
	if second := p.SessionID(scope); second != first {
		t.Errorf("second call = %q, want %q", second, first)
	}
}

func TestSessionIDDiffersAcrossScopes(t *testing.T) {
	p := NewProvider()
	a := p.SessionID(NewMemoryScope())
	b := p.SessionID(NewMemoryScope())
	if a == b {
		t.Errorf("two sessions share id %q", a)
	}
}

func TestSessionIDAfterClear(t *testing.T) {
	p := NewProvider()
	scope := NewMemoryScope()
	first := p.SessionID(scope)
	scope.Clear()
	if p.SessionID(scope) == first {
		t.Error("cleared scope should start a new session")
	}
}

func TestSessionIDUnpersisted(t *testing.T) {
	p := NewProvider()
	a := p.SessionID(readOnlyScope{})
	b := p.SessionID(readOnlyScope{})
	if a == "" || b == "" {
		t.Fatal("write failure must still yield an id")
	}
	if a == b {
		t.Error("unpersisted ids are call-scoped and should differ")
	}
}

func TestSessionStart(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	p := &Provider{now: func() time.Time { return start }, newID: newSessionID}
	scope := NewMemoryScope()

	if _, ok := p.SessionStart(scope); ok {
		t.Fatal("no session yet")
	}
	p.SessionID(scope)
	got, ok := p.SessionStart(scope)
	if !ok || !got.Equal(start) {
		t.Errorf("SessionStart = %v, %v; want %v", got, ok, start)
	}
}
