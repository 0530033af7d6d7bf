package util

import "sync"

// KeyMutex provides independent mutual exclusion per string key. It is
// used to serialize the conflict-check-then-insert sequence per
// (tenant, platform) pair: two concurrent requests for the same pair
// must not both observe zero conflicts and both insert.
//
// Entries are reference-counted and removed once the last holder
// unlocks, so the map does not grow with the number of distinct keys
// seen over the process lifetime.
type KeyMutex struct {
	mu sync.Mutex       // protects m
	m  map[string]*entry // lazily initialized
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key, blocking until it is available.
func (k *KeyMutex) Lock(key string) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*entry)
	}
	e, ok := k.m[key]
	if !ok {
		e = &entry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that is not held
// panics, same as sync.Mutex.
func (k *KeyMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		k.mu.Unlock()
		panic("util: Unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.m, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
