package memory

import (
	"context"
	"sync"
)

// KeyedLocker serializes work per approval id inside one process.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	ch      chan struct{}
	waiters int
}

// NewKeyedLocker creates a new KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[int64]*keyedLock)}
}

// WithLock runs fn while holding the lock for approvalID. Waiting for the
// lock honours ctx cancellation.
func (l *KeyedLocker) WithLock(ctx context.Context, approvalID int64, fn func(ctx context.Context) error) error {
	lock := l.acquireRef(approvalID)
	defer l.releaseRef(approvalID, lock)

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock.ch }()

	return fn(ctx)
}

func (l *KeyedLocker) acquireRef(approvalID int64) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[approvalID]
	if !ok {
		lock = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[approvalID] = lock
	}
	lock.waiters++
	return lock
}

func (l *KeyedLocker) releaseRef(approvalID int64, lock *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.waiters--
	if lock.waiters == 0 {
		delete(l.locks, approvalID)
	}
}
