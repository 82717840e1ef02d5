package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements CredentialStore in process memory.
// Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Load implements CredentialStore.Load.
func (m *MemoryStore) Load(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("key %q: %w", key, ErrStorageNotFound)
	}
	return value, nil
}

// Store implements CredentialStore.Store.
func (m *MemoryStore) Store(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

// Delete implements CredentialStore.Delete.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (m *MemoryStore) GetStoragePath() string {
	return "memory"
}
