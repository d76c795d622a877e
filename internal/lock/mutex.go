package lock

import "sync"

// Mutex is a scoped mutual-exclusion lock. Acquire blocks until the lock is
// held and returns the function that releases it, so a critical section reads
//
//	defer mu.Acquire()()
//
// Release must be called exactly once.
type Mutex struct {
	mu sync.Mutex
}

// Acquire locks m and returns its release function.
func (m *Mutex) Acquire() (release func()) {
	m.mu.Lock()
	return m.mu.Unlock
}

// With runs fn while holding m.
func (m *Mutex) With(fn func()) {
	defer m.Acquire()()
	fn()
}
