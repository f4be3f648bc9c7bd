package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// hostLocks hands out one exclusive lock per target host. Two deployments to
// the same host would race on container names and network attachment.
// Entries are dropped once nobody holds or waits for them.
type hostLocks struct {
	mu    sync.Mutex
	locks map[string]*hostLock
}

type hostLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newHostLocks() *hostLocks {
	return &hostLocks{locks: make(map[string]*hostLock)}
}

// acquire blocks until the host's lock is free or ctx is done. It returns the
// release function.
func (l *hostLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	hl, ok := l.locks[key]
	if !ok {
		hl = &hostLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = hl
	}
	hl.refs++
	l.mu.Unlock()

	if err := hl.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, hl)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			hl.sem.Release(1)
			l.unref(key, hl)
		})
	}, nil
}

func (l *hostLocks) unref(key string, hl *hostLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hl.refs--
	if hl.refs == 0 {
		delete(l.locks, key)
	}
}
