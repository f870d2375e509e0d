package querystore

import "sync"

// keyedMutex serializes work per group id. Entries are reference counted
// and removed once the last holder unlocks.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: map[int64]*keyedEntry{}}
}

func (k *keyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// TryLock is Lock without waiting. ok is false when the key is held.
func (k *keyedMutex) TryLock(key int64) (unlock func(), ok bool) {
	k.mu.Lock()
	entry, exists := k.entries[key]
	if !exists {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	if !entry.mu.TryLock() {
		if !exists {
			delete(k.entries, key)
		}
		k.mu.Unlock()
		return nil, false
	}
	entry.refs++
	k.mu.Unlock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}, true
}
