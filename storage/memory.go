package storage

import (
	"context"
	"sync"
)

// Memory implements Storage with an in-process map.
// Its contents live only as long as the owning execution context.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory creates an empty volatile store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

// Initialize is a no-op for volatile storage.
func (m *Memory) Initialize(context.Context) error {
	return nil
}

// Get returns the value at key or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value at key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
	return nil
}

// Remove deletes key.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Keys returns all keys in unspecified order.
func (m *Memory) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Contains reports whether key is present.
func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.items[key]
	m.mu.RUnlock()
	return ok, nil
}

// CompareAndSwap atomically replaces the value at key when it equals old.
func (m *Memory) CompareAndSwap(_ context.Context, key, old, new string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[key] != old {
		return false, nil
	}
	if new == "" {
		delete(m.items, key)
	} else {
		m.items[key] = new
	}
	return true, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes every entry.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.items = make(map[string]string)
	m.mu.Unlock()
}

// Compile-time interface checks
var (
	_ Storage = (*Memory)(nil)
	_ Swapper = (*Memory)(nil)
)
