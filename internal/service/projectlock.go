package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ProjectLocks serializes provisioning per project within this process.
// Together with the store's version check it closes the lost-update race
// of concurrent read-modify-write on the same quota document.
type ProjectLocks struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewProjectLocks creates an empty lock table.
func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{locks: make(map[string]*projectLock)}
}

// Lock blocks until the project's lock is held or ctx is done. The
// returned function releases it and must be called exactly once.
func (l *ProjectLocks) Lock(ctx context.Context, projectID string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[projectID]
	if !ok {
		pl = &projectLock{sem: semaphore.NewWeighted(1)}
		l.locks[projectID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	if err := pl.sem.Acquire(ctx, 1); err != nil {
		l.unref(projectID, pl)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			pl.sem.Release(1)
			l.unref(projectID, pl)
		})
	}, nil
}

// unref drops the entry once nobody holds or waits for it, so the table
// only grows with in-flight projects.
func (l *ProjectLocks) unref(projectID string, pl *projectLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, projectID)
	}
}

// Len returns the number of projects currently locked or waited on.
func (l *ProjectLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
