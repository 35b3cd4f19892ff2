package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStorage keeps objects in process memory. Used for local development
// and tests.
type MemoryStorage struct {
	mu         sync.RWMutex
	objects    map[string][]byte
	types      map[string]string
	publicBase string
}

func NewMemoryStorage(publicBase string) *MemoryStorage {
	if publicBase == "" {
		publicBase = "memory://objects"
	}
	return &MemoryStorage{
		objects:    make(map[string][]byte),
		types:      make(map[string]string),
		publicBase: publicBase,
	}
}

func (m *MemoryStorage) Upload(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("reading upload %q: %w", key, err)
	}
	m.mu.Lock()
	m.objects[key] = data
	m.types[key] = contentType
	m.mu.Unlock()
	return Object{Key: key, PublicURL: m.PublicURL(key)}, nil
}

func (m *MemoryStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStorage) PublicURL(key string) string {
	return publicURL(m.publicBase, "", key)
}

// Bytes returns a stored object's content.
func (m *MemoryStorage) Bytes(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, m.types[key], ok
}

// Len returns the number of stored objects.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ ObjectStorage = (*MemoryStorage)(nil)
