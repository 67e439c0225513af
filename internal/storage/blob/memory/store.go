// Package memory provides an in-process blob store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Store keeps objects in a map. URIs are baseURI + "/" + path.
type Store struct {
	mu      sync.RWMutex
	baseURI string
	objects map[string][]byte
}

// NewStore creates an empty Store. baseURI defaults to "mem://blobs".
func NewStore(baseURI string) *Store {
	if baseURI == "" {
		baseURI = "mem://blobs"
	}
	return &Store{
		baseURI: strings.TrimRight(baseURI, "/"),
		objects: make(map[string][]byte),
	}
}

// PutObject stores a copy of data under path.
func (s *Store) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("object path is required")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.objects[path] = buf
	s.mu.Unlock()
	return s.baseURI + "/" + path, nil
}

// Objects returns a copy of the stored objects keyed by path.
func (s *Store) Objects() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.objects))
	for k, v := range s.objects {
		out[k] = v
	}
	return out
}
