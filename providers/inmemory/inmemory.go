// Package inmemory provides a process-local lock store. It is meant for tests,
// single-instance deployments and development; it does not coordinate
// separate processes.
package inmemory

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/adityajoshi12/shedlock-go/v2"
)

// Store keeps lock records in a concurrent map. Every primitive runs inside
// a single MapOf.Compute call, which is atomic per key.
type Store struct {
	records         *xsync.MapOf[string, shedlock.LockRecord]
	deleteOnRelease bool
}

// Option configures a Store.
type Option func(*Store)

// WithDeleteOnRelease removes records on release instead of expiring them.
func WithDeleteOnRelease() Option {
	return func(s *Store) {
		s.deleteOnRelease = true
	}
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{records: xsync.NewMapOf[string, shedlock.LockRecord]()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertRecord implements shedlock.LockStore.
func (s *Store) InsertRecord(_ context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	inserted := false
	s.records.Compute(name, func(old shedlock.LockRecord, loaded bool) (shedlock.LockRecord, bool) {
		if loaded {
			return old, false
		}
		inserted = true
		return shedlock.LockRecord{Name: name, LockUntil: lockUntil, LockedAt: now, LockedBy: holder}, false
	})
	return inserted, nil
}

// UpdateRecord implements shedlock.LockStore.
func (s *Store) UpdateRecord(_ context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	updated := false
	s.records.Compute(name, func(old shedlock.LockRecord, loaded bool) (shedlock.LockRecord, bool) {
		if !loaded {
			return old, true
		}
		if old.LockUntil.After(now) {
			return old, false
		}
		updated = true
		return shedlock.LockRecord{Name: name, LockUntil: lockUntil, LockedAt: now, LockedBy: holder}, false
	})
	return updated, nil
}

// ExtendRecord implements shedlock.LockStore.
func (s *Store) ExtendRecord(_ context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	extended := false
	s.records.Compute(name, func(old shedlock.LockRecord, loaded bool) (shedlock.LockRecord, bool) {
		if !loaded {
			return old, true
		}
		if old.LockedBy != holder || !old.LockUntil.After(now) {
			return old, false
		}
		extended = true
		old.LockUntil = lockUntil
		return old, false
	})
	return extended, nil
}

// ReleaseRecord implements shedlock.LockStore.
func (s *Store) ReleaseRecord(_ context.Context, name string, unlockTime, now time.Time, holder string) error {
	s.records.Compute(name, func(old shedlock.LockRecord, loaded bool) (shedlock.LockRecord, bool) {
		if !loaded {
			return old, true
		}
		if old.LockedBy != holder {
			return old, false
		}
		if s.deleteOnRelease && !unlockTime.After(now) {
			return old, true
		}
		old.LockUntil = unlockTime
		return old, false
	})
	return nil
}

// FindRecord implements shedlock.RecordFinder.
func (s *Store) FindRecord(_ context.Context, name string) (shedlock.LockRecord, bool, error) {
	record, ok := s.records.Load(name)
	return record, ok, nil
}

// Put stores a record as is, overwriting any existing one. Useful to seed
// state, e.g. a record left behind by a crashed holder.
func (s *Store) Put(record shedlock.LockRecord) {
	s.records.Store(record.Name, record)
}

// Len returns the number of records.
func (s *Store) Len() int {
	return s.records.Size()
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
)
