package workflow

import (
	"sync"
)

// SharedState is the run-scoped key/value store visible to every executor of
// a workflow. Writes within a superstep are visible to later supersteps and
// are captured by checkpoints. Concurrent writes to the same key are
// last-writer-wins.
type SharedState struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSharedState creates an empty shared state.
func NewSharedState() *SharedState {
	return &SharedState{values: make(map[string]any)}
}

// Get returns the value for key and whether it exists.
func (s *SharedState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value under key.
func (s *SharedState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes a key and reports whether it existed.
func (s *SharedState) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	delete(s.values, key)
	return ok
}

// Keys returns the currently set keys in unspecified order.
func (s *SharedState) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the state map.
func (s *SharedState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Restore replaces the state with the given map. Used when resuming from a
// checkpoint.
func (s *SharedState) Restore(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
}
