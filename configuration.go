package shedlock

import (
	"fmt"
	"time"
)

// LockConfiguration describes one lock request. It is immutable; build it with
// NewLockConfiguration or Defaults.Configuration.
type LockConfiguration struct {
	name string
	// The lock is held until this instant, after that it's automatically released
	// (the process holding it has most likely died without releasing the lock).
	lockAtMostUntil time.Time
	// The lock will be held until this instant even if the task holding the lock
	// finishes earlier.
	lockAtLeastUntil time.Time
}

// NewLockConfiguration creates a lock configuration. A zero lockAtLeastUntil
// means no minimum hold and defaults to the current time.
func NewLockConfiguration(name string, lockAtMostUntil, lockAtLeastUntil time.Time) (LockConfiguration, error) {
	if name == "" {
		return LockConfiguration{}, invalidConfiguration("lock name cannot be empty")
	}
	if lockAtMostUntil.IsZero() {
		return LockConfiguration{}, invalidConfiguration("lockAtMostUntil is required for lock %q", name)
	}
	if lockAtLeastUntil.IsZero() {
		lockAtLeastUntil = time.Now()
	}
	return LockConfiguration{
		name:             name,
		lockAtMostUntil:  lockAtMostUntil,
		lockAtLeastUntil: lockAtLeastUntil,
	}, nil
}

// Name returns the lock name shared by all nodes contending for the lock.
func (c LockConfiguration) Name() string {
	return c.name
}

// LockAtMostUntil returns the hard upper bound of the lock validity.
func (c LockConfiguration) LockAtMostUntil() time.Time {
	return c.lockAtMostUntil
}

// LockAtLeastUntil returns the instant until which the lock is held even when
// the task finishes sooner.
func (c LockConfiguration) LockAtLeastUntil() time.Time {
	return c.lockAtLeastUntil
}

// UnlockTime returns either now or lockAtLeastUntil, whichever is later.
func (c LockConfiguration) UnlockTime() time.Time {
	return c.unlockTimeAt(time.Now())
}

func (c LockConfiguration) unlockTimeAt(now time.Time) time.Time {
	if c.lockAtLeastUntil.After(now) {
		return c.lockAtLeastUntil
	}
	return now
}

func (c LockConfiguration) String() string {
	return fmt.Sprintf("LockConfiguration{name=%q, lockAtMostUntil=%s, lockAtLeastUntil=%s}",
		c.name, c.lockAtMostUntil.Format(time.RFC3339Nano), c.lockAtLeastUntil.Format(time.RFC3339Nano))
}
