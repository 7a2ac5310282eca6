// Package keylock serializes work on the same natural key.
package keylock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockLost is the cancellation cause of a held context whose lock expired
// or was taken over before unlock.
var ErrLockLost = errors.New("key lock lost")

// Locker grants exclusive access to a key until unlock is called. Work done
// under the lock must use held: it is cancelled with ErrLockLost when the
// lock stops being exclusive, and with context.Canceled on unlock.
type Locker interface {
	Lock(ctx context.Context, key string) (held context.Context, unlock func(), err error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries are reference counted and
// dropped once no goroutine holds or waits for them. A local lock is never
// lost.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, nil, ctx.Err()
	}

	held, cancel := context.WithCancelCause(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel(context.Canceled)
			l.release(key, e, true)
		})
	}, nil
}

func (l *Local) release(key string, e *entry, held bool) {
	if held {
		<-e.sem
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Chain acquires every locker in order and releases them in reverse. Each
// locker acquires under the held context of the previous one, so losing any
// of them cancels the context returned to the caller. A process-local lock in
// front of a distributed one keeps same-process contention off the network.
func Chain(lockers ...Locker) Locker {
	return chain(lockers)
}

type chain []Locker

func (c chain) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	held := ctx
	for _, l := range c {
		h, u, err := l.Lock(held, key)
		if err != nil {
			release()
			return nil, nil, err
		}
		held = h
		unlocks = append(unlocks, u)
	}
	return held, release, nil
}
