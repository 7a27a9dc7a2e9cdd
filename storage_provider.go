package shedlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	defaultReleaseAttempts = 3
	defaultReleaseDelay    = 50 * time.Millisecond
)

// StorageBasedLockProvider implements LockProvider on top of any LockStore.
//
// Acquisition is a single non-blocking attempt: insert the record, and if it
// already exists, take it over when it has expired. Anything else means
// another node holds the lock and Lock returns (nil, nil).
type StorageBasedLockProvider struct {
	store           LockStore
	identity        string
	clock           func() time.Time
	logger          Logger
	releaseAttempts uint
	releaseDelay    time.Duration

	// names whose record is known to exist, so the insert round trip is skipped
	knownRecords *xsync.MapOf[string, struct{}]
}

// ProviderOption configures a StorageBasedLockProvider.
type ProviderOption func(*StorageBasedLockProvider)

// WithIdentity sets the identity recorded as the lock holder prefix.
// Defaults to hostname:pid.
func WithIdentity(identity string) ProviderOption {
	return func(p *StorageBasedLockProvider) {
		p.identity = identity
	}
}

// WithClock replaces time.Now as the provider's time source.
func WithClock(clock func() time.Time) ProviderOption {
	return func(p *StorageBasedLockProvider) {
		p.clock = clock
	}
}

// WithProviderLogger sets the logger used for release diagnostics.
func WithProviderLogger(logger Logger) ProviderOption {
	return func(p *StorageBasedLockProvider) {
		p.logger = logger
	}
}

// WithReleaseRetry sets how many times a failed release is attempted and the
// pause between attempts.
func WithReleaseRetry(attempts uint, delay time.Duration) ProviderOption {
	return func(p *StorageBasedLockProvider) {
		if attempts == 0 {
			attempts = 1
		}
		p.releaseAttempts = attempts
		p.releaseDelay = delay
	}
}

// NewStorageBasedLockProvider creates a provider backed by store.
func NewStorageBasedLockProvider(store LockStore, opts ...ProviderOption) (*StorageBasedLockProvider, error) {
	if store == nil {
		return nil, fmt.Errorf("lock store cannot be nil")
	}

	p := &StorageBasedLockProvider{
		store:           store,
		identity:        DefaultIdentity(),
		clock:           time.Now,
		logger:          NopLogger{},
		releaseAttempts: defaultReleaseAttempts,
		releaseDelay:    defaultReleaseDelay,
		knownRecords:    xsync.NewMapOf[string, struct{}](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Lock attempts to acquire the lock described by config.
func (p *StorageBasedLockProvider) Lock(ctx context.Context, config LockConfiguration) (SimpleLock, error) {
	now := p.clock()
	if err := validateAcquisition(config, now); err != nil {
		return nil, err
	}

	name := config.Name()
	until := config.LockAtMostUntil()
	holder := p.newHolder()

	_, recordKnown := p.knownRecords.Load(name)
	if !recordKnown {
		inserted, err := p.store.InsertRecord(ctx, name, until, now, holder)
		if err != nil {
			return nil, &StoreError{Op: "insert", Name: name, Err: err}
		}
		p.knownRecords.Store(name, struct{}{})
		if inserted {
			return p.newLock(config, holder), nil
		}
	}

	updated, err := p.store.UpdateRecord(ctx, name, until, now, holder)
	if err != nil {
		return nil, &StoreError{Op: "update", Name: name, Err: err}
	}
	if updated {
		return p.newLock(config, holder), nil
	}

	if recordKnown {
		// the record may have been deleted since we last saw it
		inserted, err := p.store.InsertRecord(ctx, name, until, now, holder)
		if err != nil {
			return nil, &StoreError{Op: "insert", Name: name, Err: err}
		}
		if inserted {
			return p.newLock(config, holder), nil
		}
	}

	return nil, nil
}

// Identity returns the holder identity prefix used by this provider.
func (p *StorageBasedLockProvider) Identity() string {
	return p.identity
}

// Store returns the underlying lock store.
func (p *StorageBasedLockProvider) Store() LockStore {
	return p.store
}

func (p *StorageBasedLockProvider) newHolder() string {
	return fmt.Sprintf("%s:%s", p.identity, uuid.New().String())
}

func (p *StorageBasedLockProvider) newLock(config LockConfiguration, holder string) *storageLock {
	return &storageLock{
		provider: p,
		config:   config,
		holder:   holder,
	}
}

func validateAcquisition(config LockConfiguration, now time.Time) error {
	if config.Name() == "" {
		return invalidConfiguration("lock name cannot be empty")
	}
	if !config.LockAtMostUntil().After(now) {
		return invalidConfiguration("lockAtMostUntil %s of lock %q is not in the future",
			config.LockAtMostUntil().Format(time.RFC3339Nano), config.Name())
	}
	if config.LockAtLeastUntil().After(config.LockAtMostUntil()) {
		return invalidConfiguration("lockAtLeastUntil is after lockAtMostUntil for lock %q", config.Name())
	}
	return nil
}

// DefaultIdentity returns hostname:pid.
func DefaultIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// IsStoreFailure reports whether err came from a LockStore operation.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreFailure)
}

var _ LockProvider = (*StorageBasedLockProvider)(nil)
