// ABOUTME: In-memory KV implementation for tests and storage-unavailable fallback
// ABOUTME: Honors the same quota semantics as the SQLite backend

package store

import (
	"sync"
)

// MemoryKV is an in-memory KV. It backs tests and the degraded mode where no
// storage path is configured; data does not survive the process.
type MemoryKV struct {
	mu       sync.RWMutex
	data     map[string][]byte
	maxBytes int64

	// FailSets makes the next n Set calls fail with ErrQuotaExceeded,
	// regardless of budget. Test hook for quota-recovery paths.
	FailSets int
}

// NewMemoryKV creates an empty MemoryKV. maxBytes caps total stored value
// size; 0 means unlimited.
func NewMemoryKV(maxBytes int64) *MemoryKV {
	return &MemoryKV{
		data:     make(map[string][]byte),
		maxBytes: maxBytes,
	}
}

// Get returns the stored value for key, if any.
func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set stores value under key, enforcing the byte budget.
func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSets > 0 {
		m.FailSets--
		return ErrQuotaExceeded
	}

	if m.maxBytes > 0 {
		var total int64
		for k, v := range m.data {
			if k == key {
				continue
			}
			total += int64(len(v))
		}
		if total+int64(len(value)) > m.maxBytes {
			return ErrQuotaExceeded
		}
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Delete removes key if present.
func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryKV) Close() error {
	return nil
}

// Keys returns a snapshot of the stored keys. Test helper.
func (m *MemoryKV) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}
