package orchestrator

import (
	"context"
	"sync"
	"time"
)

// CursorStore persists the start time of the last successful poll per
// source.
type CursorStore interface {
	Load(ctx context.Context, source string) (time.Time, bool, error)
	Save(ctx context.Context, source string, at time.Time) error
}

// MemoryCursors is a CursorStore that forgets everything on restart.
type MemoryCursors struct {
	mu      sync.RWMutex
	cursors map[string]time.Time
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[string]time.Time)}
}

func (m *MemoryCursors) Load(_ context.Context, source string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.cursors[source]
	return t, ok, nil
}

func (m *MemoryCursors) Save(_ context.Context, source string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[source] = at
	return nil
}
