package circuit

import (
	"context"
	"maps"
	"sync"
	"time"
)

// UpdateFunc computes the next state from the current one. It returns false when
// nothing changed. Stores may call it more than once per Update.
type UpdateFunc func(current State) (next State, changed bool)

// Store persists circuit states by name.
type Store interface {
	// Get returns the state for name and whether it exists.
	Get(ctx context.Context, name string) (State, bool, error)

	// Set overwrites the state for name.
	Set(ctx context.Context, name string, state State) error

	// Update applies fn atomically to the state for name, creating a CLOSED state if none
	// exists, and returns the resulting state.
	Update(ctx context.Context, name string, fn UpdateFunc) (State, error)

	// Delete removes the state for name.
	Delete(ctx context.Context, name string) error

	// Sweep removes every state whose last failure is before cutoff and returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	// Snapshot returns a copy of every stored state.
	Snapshot(ctx context.Context) (map[string]State, error)
}

// MemoryStore keeps circuit states in a process-wide map.
type MemoryStore struct {
	states map[string]State
	mu     sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Get(_ context.Context, name string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[name]
	return state, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, name string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = state
	return nil
}

func (m *MemoryStore) Update(_ context.Context, name string, fn UpdateFunc) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.states[name]
	next, changed := fn(current)
	if changed || !exists {
		m.states[name] = next
	}
	return next, nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, name)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for name, state := range m.states {
		if state.LastFailureTime.Before(cutoff) {
			delete(m.states, name)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Snapshot(_ context.Context) (map[string]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.states), nil
}
