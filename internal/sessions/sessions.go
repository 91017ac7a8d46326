// Package sessions serializes work on a single conversation.
//
// Every chat key gets its own lock so that two messages arriving for the
// same chat cannot interleave their load, append and persist steps on the
// conversation memory, while different chats proceed in parallel.
package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrLockerClosed is returned by Lock once the locker has been closed.
var ErrLockerClosed = errors.New("sessions: locker closed")

// Locker provides per-key mutual exclusion.
type Locker interface {
	// Lock blocks until the key is held or ctx is done.
	Lock(ctx context.Context, key string) error
	Unlock(key string)
}

// entry is a one-slot semaphore shared by every waiter on a key.
type entry struct {
	sem  chan struct{}
	refs int
}

// KeyLocker is an in-process Locker. Entries are reference counted and
// dropped once no goroutine holds or waits for them, so the map does not grow
// with the number of chats ever seen.
type KeyLocker struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewKeyLocker creates an empty KeyLocker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key.
func (l *KeyLocker) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLockerClosed
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, e)
		return ctx.Err()
	}
}

// Unlock releases the lock for key. Unlocking a key that is not held is a no-op.
func (l *KeyLocker) Unlock(key string) {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-e.sem:
	default:
		return
	}
	l.release(key, e)
}

func (l *KeyLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs <= 0 && l.entries[key] == e {
		delete(l.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (l *KeyLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close rejects further Lock calls. Held locks stay valid until unlocked.
func (l *KeyLocker) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
