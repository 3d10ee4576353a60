package tmux

import "sync"

type windowLockEntry struct {
	mu   sync.Mutex
	refs int
}

// windowLocks hands out one mutex per window name. Entries are dropped when
// the last holder or waiter releases.
type windowLocks struct {
	mu      sync.Mutex
	entries map[string]*windowLockEntry
}

func newWindowLocks() *windowLocks {
	return &windowLocks{entries: map[string]*windowLockEntry{}}
}

func (l *windowLocks) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &windowLockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *windowLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
