package shedlock

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned for a malformed lock configuration.
	// It never reaches the store.
	ErrInvalidConfiguration = errors.New("shedlock: invalid lock configuration")

	// ErrStoreFailure matches every error produced by a LockStore operation.
	ErrStoreFailure = errors.New("shedlock: lock store failure")

	// ErrLockNotHeld is returned when extending a lock whose record is no
	// longer owned by this holder.
	ErrLockNotHeld = errors.New("shedlock: lock not held by this holder")

	// ErrLockReleased is returned when extending a lock that was already unlocked.
	ErrLockReleased = errors.New("shedlock: lock already released")

	// ErrNotLocked is returned by AssertLocked outside of a locked task.
	ErrNotLocked = errors.New("shedlock: the task is not running under a lock")
)

// StoreError wraps a failure of one of the LockStore primitives.
type StoreError struct {
	Op   string
	Name string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("shedlock: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrStoreFailure so callers can test for any store error.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}

func invalidConfiguration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
