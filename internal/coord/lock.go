package coord

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxReaders bounds concurrent shared holders of one named lock.
const maxReaders = 64

// LockName derives the lock key for a database path.
func LockName(databasePath string) string {
	return "draftdb-lock:" + databasePath
}

var (
	lockMu    sync.Mutex
	lockTable = map[string]*semaphore.Weighted{}
)

func lockFor(databasePath string) *semaphore.Weighted {
	lockMu.Lock()
	defer lockMu.Unlock()
	name := LockName(databasePath)
	sem, ok := lockTable[name]
	if !ok {
		sem = semaphore.NewWeighted(maxReaders)
		lockTable[name] = sem
	}
	return sem
}

// WithExclusive runs fn while holding the named lock for databasePath
// exclusively. The lock is released on every exit path, including a failing
// fn.
func WithExclusive(ctx context.Context, databasePath string, fn func(ctx context.Context) error) error {
	sem := lockFor(databasePath)
	if err := sem.Acquire(ctx, maxReaders); err != nil {
		return err
	}
	defer sem.Release(maxReaders)
	return fn(ctx)
}

// WithShared runs fn while holding the named lock for databasePath in shared
// mode: shared holders may overlap each other but never an exclusive holder.
func WithShared(ctx context.Context, databasePath string, fn func(ctx context.Context) error) error {
	sem := lockFor(databasePath)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	return fn(ctx)
}
