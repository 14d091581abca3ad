// Package keylock provides mutual exclusion keyed by an arbitrary string.
package keylock

import (
	"context"
	"sync"
)

// Table hands out one lock per key. Entries are dropped when no caller holds
// or waits for them, so the table only grows with concurrent keys.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{} // buffered(1); holding the token means holding the lock
	refs int
}

// New creates an empty lock table.
func New() *Table {
	return &Table{locks: make(map[string]*entry)}
}

func (t *Table) acquireEntry(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		t.locks[key] = e
	}
	e.refs++
	return e
}

func (t *Table) releaseEntry(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, key)
	}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// function releases the lock.
func (t *Table) Lock(ctx context.Context, key string) (func(), error) {
	e := t.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return t.unlocker(key, e), nil
	case <-ctx.Done():
		t.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// TryLock takes the lock for key only if it is free.
func (t *Table) TryLock(key string) (func(), bool) {
	e := t.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return t.unlocker(key, e), true
	default:
		t.releaseEntry(key, e)
		return nil, false
	}
}

func (t *Table) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			t.releaseEntry(key, e)
		})
	}
}
