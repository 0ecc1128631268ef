package artifacts

import (
	"context"
	"sync"
)

// MemoryStore keeps artifacts in memory, for tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory constructs an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// PutObject copies data into the store and returns a memory:// URI.
func (s *MemoryStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Object returns the stored bytes and whether the path exists.
func (s *MemoryStore) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[path]
	return data, ok
}
