// Package sessionlock serializes work on a single writing session.
//
// A turn reads the ledger, waits on the provider, and appends the reply;
// holding the session's lock for that whole sequence keeps concurrent turns
// on one session from interleaving. Different sessions never contend.
package sessionlock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockTimeout is returned when the context ends before the lock is won.
var ErrLockTimeout = errors.New("session lock wait cancelled")

// Locker acquires a per-session lock. The returned func releases it and is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, sessionID int64) (unlock func(), err error)
}

// Local is an in-process Locker. Entries are reference counted so the map
// only holds sessions that currently have holders or waiters.
type Local struct {
	mu      sync.Mutex
	entries map[int64]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[int64]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, sessionID int64) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[sessionID]
	if !ok {
		entry = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionID, entry)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(sessionID, entry)
		})
	}, nil
}

func (l *Local) release(sessionID int64, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, sessionID)
	}
}

// held reports how many sessions currently have lock entries.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
