package shedlock

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// storageLock is the SimpleLock handed out by StorageBasedLockProvider.
// It moves from held to released exactly once. mu serializes Unlock and
// Extend, so a handle shared between goroutines never releases a record
// while another call is extending it.
type storageLock struct {
	provider *StorageBasedLockProvider
	config   LockConfiguration
	holder   string

	mu       sync.Mutex
	released bool
}

// Unlock releases the record, keeping it held until lockAtLeastUntil if that
// is still ahead. Only the first call touches the store.
func (l *storageLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	p := l.provider
	name := l.config.Name()
	now := p.clock()
	unlockTime := l.config.unlockTimeAt(now)

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.releaseAttempts),
		retry.Delay(p.releaseDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("Retrying lock release", "name", name, "attempt", n+1, "error", err)
		}),
	).Do(func() error {
		return p.store.ReleaseRecord(ctx, name, unlockTime, now, l.holder)
	})
	if err != nil {
		return &StoreError{Op: "release", Name: name, Err: err}
	}
	return nil
}

// Extend pushes lockAtMostUntil to now+lockAtMostFor while the record is still
// ours. The returned lock replaces this one.
func (l *storageLock) Extend(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (SimpleLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil, ErrLockReleased
	}

	name := l.config.Name()
	if lockAtMostFor <= 0 {
		return nil, invalidConfiguration("lockAtMostFor must be positive when extending lock %q", name)
	}
	if lockAtLeastFor < 0 || lockAtLeastFor > lockAtMostFor {
		return nil, invalidConfiguration("lockAtLeastFor must be between 0 and lockAtMostFor when extending lock %q", name)
	}

	p := l.provider
	now := p.clock()
	extended, err := NewLockConfiguration(name, now.Add(lockAtMostFor), now.Add(lockAtLeastFor))
	if err != nil {
		return nil, err
	}

	ok, err := p.store.ExtendRecord(ctx, name, extended.LockAtMostUntil(), now, l.holder)
	if err != nil {
		return nil, &StoreError{Op: "extend", Name: name, Err: err}
	}
	l.released = true
	if !ok {
		return nil, ErrLockNotHeld
	}
	return p.newLock(extended, l.holder), nil
}

// Configuration returns the configuration the lock was acquired with.
func (l *storageLock) Configuration() LockConfiguration {
	return l.config
}

var _ SimpleLock = (*storageLock)(nil)
