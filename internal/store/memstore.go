package store

import (
	"sync"
	"time"
)

// memStore is the degraded-mode key/value store: a TTL map guarded by
// a mutex. Expired entries are dropped lazily on read and by a
// periodic sweep.
type memStore struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func newMemStore() *memStore {
	m := &memStore{items: make(map[string]memItem)}
	go m.sweep()
	return m
}

func (m *memStore) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if item.expired(time.Now()) {
		delete(m.items, key)
		return nil, false
	}
	return item.data, true
}

func (m *memStore) set(key string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = newMemItem(data, ttl)
}

func (m *memStore) setNX(key string, data []byte, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.items[key]; ok && !item.expired(time.Now()) {
		return false
	}
	m.items[key] = newMemItem(data, ttl)
	return true
}

func (m *memStore) del(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
}

func (m *memStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		m.mu.Lock()
		for key, item := range m.items {
			if item.expired(now) {
				delete(m.items, key)
			}
		}
		m.mu.Unlock()
	}
}

func newMemItem(data []byte, ttl time.Duration) memItem {
	item := memItem{data: data}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	return item
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}
