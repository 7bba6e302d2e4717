// Package lock serializes work per key.
//
// KeyedMutex serializes callers inside one process. RedisLocker extends the same
// guarantee across replicas that share a Redis instance.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockLost is the cancellation cause of a lease context whose lock is no
// longer held.
var ErrLockLost = errors.New("lock lost")

// Locker acquires an exclusive lock on key. The returned function releases it
// and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Leaser is implemented by lockers whose locks can expire while held. The
// returned context is cancelled with ErrLockLost once the lock can no longer
// be relied on.
type Leaser interface {
	LockLease(ctx context.Context, key string) (held context.Context, unlock func(), err error)
}

// Acquire locks key and returns a context to run the critical section under.
// For a Leaser it ends when the lock is lost; otherwise it is ctx itself.
func Acquire(ctx context.Context, l Locker, key string) (context.Context, func(), error) {
	if leaser, ok := l.(Leaser); ok {
		return leaser.LockLease(ctx, key)
	}
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return ctx, unlock, nil
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no caller holds
// or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, e, true) })
	}, nil
}

func (m *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.sem
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
