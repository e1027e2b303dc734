package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore for tests and offline development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailPuts and FailDeletes make the corresponding operations return an
	// error, simulating a transient outage.
	FailPuts    bool
	FailDeletes bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores the object bytes under key.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	m.mu.Lock()
	failing := m.FailPuts
	m.mu.Unlock()
	if failing {
		return fmt.Errorf("put object: store unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Delete removes the object. Deleting an absent key succeeds.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDeletes {
		return fmt.Errorf("delete object: store unavailable")
	}
	delete(m.objects, key)
	return nil
}

// Exists reports whether the key is present.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// PresignGet returns a stable fake URL.
func (m *MemoryStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "memory://" + key, nil
}

// Get returns stored bytes, for test assertions.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}
