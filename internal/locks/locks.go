// Package locks provides per-key mutual exclusion for upload sessions.
// Every mutating session operation acquires the session's lock first, so
// chunk writes, pause/resume/cancel, completion and the expiry sweep never
// interleave on the same session.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out one exclusive lock per session key. Entries are reference
// counted and dropped once the last holder releases, so the map does not grow
// with the lifetime of the process.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates an empty lock manager
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func (m *Manager) get(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) put(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Acquire blocks until the lock for key is held and returns the release
// function. Calling the release function more than once is a no-op.
func (m *Manager) Acquire(key string) func() {
	e := m.get(key)
	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.put(key, e)
		})
	}
}

// TryAcquire attempts to take the lock without blocking. Used by the expiry
// sweep so it never stalls behind an active client operation.
func (m *Manager) TryAcquire(key string) (func(), bool) {
	e := m.get(key)
	if !e.mu.TryLock() {
		m.put(key, e)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.put(key, e)
		})
	}, true
}
