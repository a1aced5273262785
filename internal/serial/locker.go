// Package serial provides the per-auction serialization point shared by the
// bid ledger, the lifecycle machine, the scheduler and the realtime hub.
package serial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/biddingerrors"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// KeyedLocker hands out one exclusive slot per key. Keys that nobody holds or
// waits on are released so the map does not grow with every auction ever seen.
type KeyedLocker struct {
	timeout time.Duration

	mu   sync.Mutex
	keys map[string]*entry
}

// NewKeyedLocker creates a locker whose Lock gives up after timeout.
// A non-positive timeout waits until ctx is done.
func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{
		timeout: timeout,
		keys:    make(map[string]*entry),
	}
}

// Lock acquires the slot for key. It fails with ErrBusy when the slot cannot be
// acquired within the configured timeout; the returned func releases it.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireEntry(key)

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		l.releaseEntry(key, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lock %s after %s: %w", key, l.timeout, biddingerrors.ErrBusy)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.releaseEntry(key, e)
		})
	}, nil
}

// Held returns the number of keys currently held or waited on
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *KeyedLocker) acquireEntry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.keys[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.keys[key] = e
	}
	e.refs++
	return e
}

func (l *KeyedLocker) releaseEntry(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}
