package engine

import "sync"

// KeyedLocks serializes advance loops per run inside one process. It is an
// optimization on top of the version-CAS, not a substitute for it: across
// processes the CAS remains the source of truth.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocks creates an empty lock table.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for key is held and returns its release
// function. Entries are reference-counted and removed when unused, so the
// table does not grow with the number of runs ever seen.
func (k *KeyedLocks) Acquire(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
