package transfer

import "sync"

// sessionLocks serializes work per transfer id. Every load-transition-
// persist cycle for a given session runs under its lock, so concurrent
// API calls and protocol events cannot interleave on the same session.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the lock for id is held and returns its release
// function. Locks are reference counted and dropped once unused.
func (l *sessionLocks) Acquire(id string) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &sessionLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
