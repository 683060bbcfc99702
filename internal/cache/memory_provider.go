package cache

import (
	"context"
	"time"

	"sync"
)

// MemoryProvider implements SessionCache using an in-memory map. Used
// for local development/tests or as a fallback when Redis is down — it
// is single-instance only, never suitable for a distributed deployment.
type MemoryProvider struct {
	data map[string]*memoryItem
	mu   sync.RWMutex
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryProvider creates a new in-memory cache provider and starts
// its background expiry sweep.
func NewMemoryProvider() *MemoryProvider {
	m := &MemoryProvider{data: make(map[string]*memoryItem)}
	go m.cleanup()
	return m
}

func (m *MemoryProvider) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	for range ticker.C {
		m.mu.Lock()
		now := time.Now()
		for k, v := range m.data {
			if !v.expires.IsZero() && v.expires.Before(now) {
				delete(m.data, k)
			}
		}
		m.mu.Unlock()
	}
}

func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !item.expires.IsZero() && item.expires.Before(time.Now()) {
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = &memoryItem{value: stored, expires: expires}
	return nil
}

func (m *MemoryProvider) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryProvider) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.data[key]
	if !ok {
		return false, nil
	}
	if !item.expires.IsZero() && item.expires.Before(time.Now()) {
		return false, nil
	}
	return true, nil
}

func (m *MemoryProvider) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryProvider) Close() error {
	return nil
}

func (m *MemoryProvider) IsAvailable() bool {
	return true
}
