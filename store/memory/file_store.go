package memory

import (
	"context"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// FileStore keeps attachment bytes in memory. Data is copied on save and
// retrieval to avoid accidental external mutation of internal buffers.
//
// It does not enforce retention limits, size quotas or eviction; durable
// deployments use the postgres store instead.
type FileStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewFileStore returns an empty in-memory file store.
func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string][]byte)}
}

// Put stores data under a generated id and returns the attachment
// descriptor without the bytes.
func (s *FileStore) Put(_ context.Context, name, mimeType string, data []byte) (core.Attachment, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	id := core.NewID()

	s.mu.Lock()
	s.files[id] = cp
	s.mu.Unlock()

	return core.Attachment{ID: id, Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

// Get returns a copy of the stored bytes or core.ErrNotFound.
func (s *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes the file if present or returns core.ErrNotFound.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.files, id)
	return nil
}
