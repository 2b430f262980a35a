package sequence

import "sync"

// contactLocks serializes state transitions per contact. Entries are
// reference counted and removed once no goroutine holds or waits on them.
type contactLocks struct {
	mu    sync.Mutex
	locks map[int64]*contactLock
}

type contactLock struct {
	mu   sync.Mutex
	refs int
}

func newContactLocks() *contactLocks {
	return &contactLocks{locks: make(map[int64]*contactLock)}
}

// lock acquires the contact's lock and returns its release func.
func (c *contactLocks) lock(contactID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[contactID]
	if !ok {
		l = &contactLock{}
		c.locks[contactID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, contactID)
		}
		c.mu.Unlock()
	}
}

func (c *contactLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
