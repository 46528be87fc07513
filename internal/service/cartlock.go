package service

import "sync"

// CartLocks serializes operations per cart. Different carts never contend.
// Entries are reference counted and dropped when the last holder unlocks.
type CartLocks struct {
	mu    sync.Mutex
	locks map[string]*cartLock
}

type cartLock struct {
	mu   sync.Mutex
	refs int
}

// NewCartLocks returns an empty lock table.
func NewCartLocks() *CartLocks {
	return &CartLocks{locks: make(map[string]*cartLock)}
}

// Lock blocks until the caller holds cart and returns the matching unlock.
func (l *CartLocks) Lock(cart string) (unlock func()) {
	l.mu.Lock()
	cl, ok := l.locks[cart]
	if !ok {
		cl = &cartLock{}
		l.locks[cart] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()

		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, cart)
		}
		l.mu.Unlock()
	}
}

// held reports how many carts currently have a holder or waiter.
func (l *CartLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
