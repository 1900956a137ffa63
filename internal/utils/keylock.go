package utils

import "sync"

// KeyedMutex hands out one mutex per key. Entries are dropped once no goroutine holds or waits on them.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until the key is free and returns its unlock func
func (m *KeyedMutex[K]) Lock(key K) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*refMutex)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &refMutex{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
