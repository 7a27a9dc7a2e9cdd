package shedlock

import (
	"context"
	"time"
)

// LockStore is the contract a storage backend implements for
// StorageBasedLockProvider. Each method must be a single atomic operation
// against the shared store (unique insert, conditional update, compare-and-swap)
// and must tolerate concurrent calls for the same name from unrelated nodes.
//
// now is supplied by the provider so every comparison uses one clock. holder
// identifies a single acquisition; backends persist it as the record owner.
type LockStore interface {
	// InsertRecord creates the lock record only if no record with name exists.
	// Returns true if the record was created.
	InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error)

	// UpdateRecord replaces the record only if it exists and its current
	// lockUntil is not after now. Returns true if the update applied.
	UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error)

	// ExtendRecord sets a new lockUntil on a record that is owned by holder and
	// has not expired yet. Returns true if the update applied.
	ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error)

	// ReleaseRecord makes the record eligible for re-acquisition at unlockTime,
	// either by setting lockUntil to unlockTime or, when unlockTime is not after
	// now, by deleting it. A record that no longer belongs to holder is left alone.
	ReleaseRecord(ctx context.Context, name string, unlockTime, now time.Time, holder string) error
}

// LockRecord is the persisted state of a named lock.
type LockRecord struct {
	Name      string
	LockUntil time.Time
	LockedAt  time.Time
	LockedBy  string
}

// HeldAt reports whether the record blocks acquisition at the given instant.
func (r LockRecord) HeldAt(now time.Time) bool {
	return r.LockUntil.After(now)
}

// RecordFinder is implemented by stores that can read a lock record back.
type RecordFinder interface {
	FindRecord(ctx context.Context, name string) (LockRecord, bool, error)
}
