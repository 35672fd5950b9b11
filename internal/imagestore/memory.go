package imagestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryEntry struct {
	data []byte
	meta Meta
}

// MemoryStore keeps frames in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Put stores a copy of data.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, meta Meta) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return Ref{}, err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.entries[key] = memoryEntry{data: buf, meta: meta}
	m.mu.Unlock()

	return Ref{
		Key:     key,
		URI:     "mem://" + key,
		Size:    int64(len(buf)),
		Backend: m.Backend(),
	}, nil
}

// Get returns a copy of the stored frame.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

// Meta returns the metadata stored with key.
func (m *MemoryStore) Meta(key string) (Meta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e.meta, ok
}

// Delete removes a frame. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Keys returns the sorted stored keys.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Backend returns "memory".
func (m *MemoryStore) Backend() string { return "memory" }
