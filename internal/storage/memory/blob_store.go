// Package memory keeps archived pages in process memory.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Object is a stored blob with its attributes.
type Object struct {
	ContentType string
	Metadata    map[string]string
	Data        []byte
}

// BlobStore stores objects in-memory and returns pseudo URIs. When MaxObjects
// is reached the oldest object is dropped.
type BlobStore struct {
	mu         sync.RWMutex
	objects    map[string]Object
	order      []string
	maxObjects int
}

// NewBlobStore creates a store holding at most maxObjects objects; <= 0 means unbounded.
func NewBlobStore(maxObjects int) *BlobStore {
	return &BlobStore{
		objects:    make(map[string]Object),
		maxObjects: maxObjects,
	}
}

// PutObject persists a copy of the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path, contentType string, metadata map[string]string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[path]; !exists {
		s.order = append(s.order, path)
	}
	s.objects[path] = Object{ContentType: contentType, Metadata: meta, Data: byteData}
	for s.maxObjects > 0 && len(s.order) > s.maxObjects {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.objects, oldest)
	}
	return "memory://" + path, nil
}

// Get returns a copy of the object stored at path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Keys lists stored paths in lexical order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
