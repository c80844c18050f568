package store

import "sync"

// KeyMutex serializes read-modify-write sequences on a per-key basis.
// Distinct keys proceed concurrently; the zero value is ready to use.
type KeyMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock func.
func (m *KeyMutex) Lock(key string) func() {
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
