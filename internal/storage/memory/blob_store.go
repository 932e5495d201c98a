// Package memory keeps exported objects in memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// BlobStore stores objects in-memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject copies the content under path, replacing any previous object.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	s.data[path] = body
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of the object stored at path.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), body...), true
}

// Paths lists stored object paths in sorted order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for path := range s.data {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
