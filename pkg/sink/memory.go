package sink

import (
	"context"
	"sync"

	"github.com/sitepulse/sitepulse/pkg/record"
)

// Memory keeps delivered records in memory.
type Memory struct {
	name string

	mu   sync.Mutex
	recs []record.Record
	err  error
}

// NewMemory creates a memory-backed sink.
func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

func (m *Memory) Name() string { return m.name }

// Send stores rec, or returns the configured failure.
func (m *Memory) Send(_ context.Context, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

// FailWith makes subsequent sends fail with err. nil restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Records returns all stored records.
func (m *Memory) Records() []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.Record, len(m.recs))
	copy(out, m.recs)
	return out
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}
