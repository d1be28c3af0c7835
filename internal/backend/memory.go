package backend

import (
	"fmt"
	"sort"
	"sync"

	"daysync/internal/daysync"
)

// MemoryBackend is an in-memory implementation of the Backend interface.
// An optional byte quota makes it useful for exercising quota recovery.
// This implementation is safe for concurrent use.
type MemoryBackend struct {
	name     string
	maxBytes int64 // 0 means unlimited
	used     int64
	data     map[string][]byte
	mu       sync.RWMutex
}

// NewMemoryBackend creates a new in-memory backend. maxBytes counts key and
// value bytes; 0 disables the quota.
func NewMemoryBackend(name string, maxBytes int64) *MemoryBackend {
	return &MemoryBackend{
		name:     name,
		maxBytes: maxBytes,
		data:     make(map[string][]byte),
	}
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// Get returns a copy of the value stored under key.
func (m *MemoryBackend) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", daysync.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of value, refusing writes that would exceed the quota.
func (m *MemoryBackend) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used + entrySize(key, value)
	if old, ok := m.data[key]; ok {
		used -= entrySize(key, old)
	}
	if m.maxBytes > 0 && used > m.maxBytes {
		return fmt.Errorf("%w: %d of %d bytes", daysync.ErrQuotaExceeded, used, m.maxBytes)
	}

	m.data[key] = append([]byte(nil), value...)
	m.used = used
	return nil
}

// Delete removes key if present.
func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.data[key]; ok {
		m.used -= entrySize(key, old)
		delete(m.data, key)
	}
	return nil
}

// Keys lists stored keys in lexical order.
func (m *MemoryBackend) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the number of bytes counted against the quota.
func (m *MemoryBackend) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// ValidateSetup always succeeds for the in-memory backend.
func (m *MemoryBackend) ValidateSetup() error {
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// Compile-time check that MemoryBackend implements daysync.Backend interface
var _ daysync.Backend = (*MemoryBackend)(nil)
