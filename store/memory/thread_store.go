package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// ThreadStore keeps threads in a process local map. Each returned thread is a
// clone so callers cannot mutate stored state.
type ThreadStore struct {
	mu      sync.RWMutex
	threads map[string]*core.Thread
}

// NewThreadStore constructs an empty in-memory thread store.
func NewThreadStore() *ThreadStore {
	return &ThreadStore{threads: make(map[string]*core.Thread)}
}

// Load returns a clone of the stored thread or core.ErrNotFound.
func (s *ThreadStore) Load(_ context.Context, id string) (*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return t.Clone(), nil
}

// Save stores a clone of the provided thread snapshot.
func (s *ThreadStore) Save(_ context.Context, t *core.Thread) error {
	cp := t.Clone()
	cp.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = cp
	return nil
}

// Delete removes a thread; deleting an unknown id returns core.ErrNotFound.
func (s *ThreadStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.threads, id)
	return nil
}

// IDs returns the stored thread ids.
func (s *ThreadStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	return ids
}
