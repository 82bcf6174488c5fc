package strategy

import "sync"

// orderLocks serialises replication per leader order id. Events for the same
// order must be handled one at a time (a MODIFIED racing its own placement
// would double-place), while events for different orders may proceed in
// parallel across the worker pool.
type orderLocks struct {
	mu   sync.Mutex
	held map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{held: make(map[string]*orderLock)}
}

// Lock blocks until the caller owns the lock for id.
func (l *orderLocks) Lock(id string) {
	l.mu.Lock()
	entry, ok := l.held[id]
	if !ok {
		entry = &orderLock{}
		l.held[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
}

// Unlock releases the lock for id, dropping the entry once nobody waits on
// it so the map does not grow with every order ever seen.
func (l *orderLocks) Unlock(id string) {
	l.mu.Lock()
	entry := l.held[id]
	entry.refs--
	if entry.refs == 0 {
		delete(l.held, id)
	}
	l.mu.Unlock()

	entry.mu.Unlock()
}
