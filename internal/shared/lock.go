package shared

import (
	"fmt"

	"github.com/gofrs/flock"
)

// RunLock is an exclusive, process-level lock guarding a state database.
type RunLock struct {
	path string
	lock *flock.Flock
}

// AcquireLock takes a non-blocking lock on <dbPath>.lock.
//
// Returns [ErrRunLocked] when another process already holds it.
func AcquireLock(dbPath string) (*RunLock, error) {
	path := dbPath + ".lock"
	lock := flock.New(path)

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, path)
	}
	return &RunLock{path: path, lock: lock}, nil
}

// Path returns the lock file location.
func (l *RunLock) Path() string { return l.path }

// Release unlocks; the lock file itself is left in place.
func (l *RunLock) Release() error {
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}
