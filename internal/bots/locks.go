package bots

import "sync"

// keyedLocks serializes mutating operations per bot name while leaving
// operations on different names fully parallel. Entries are reference
// counted and removed when idle, so the map does not grow with the
// all-time name count.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*nameLock)}
}

// acquire blocks until the name's lock is held and returns the release
// function.
func (k *keyedLocks) acquire(name string) func() {
	k.mu.Lock()
	l, ok := k.locks[name]
	if !ok {
		l = &nameLock{}
		k.locks[name] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, name)
		}
		k.mu.Unlock()
	}
}
