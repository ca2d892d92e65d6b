package engine

import "sync"

// Locker hands out one mutex per material id. Entries are reference counted
// and dropped when the last holder releases, so the map stays the size of
// the set of materials currently being mutated.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*materialLock
}

type materialLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*materialLock)}
}

// Lock blocks until the material's lock is held and returns the function that
// releases it. The release function must be called exactly once.
func (l *Locker) Lock(materialID string) (unlock func()) {
	l.mu.Lock()
	ml, ok := l.locks[materialID]
	if !ok {
		ml = &materialLock{}
		l.locks[materialID] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.mu.Lock()
	return func() {
		ml.mu.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, materialID)
		}
		l.mu.Unlock()
	}
}

// held returns the number of materials with a waiting or holding caller.
func (l *Locker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
