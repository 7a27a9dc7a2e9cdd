// Package breaker wraps a lock store with a circuit breaker so an unreachable
// backend fails fast instead of stalling every scheduled run on timeouts.
//
// An open breaker surfaces as a store failure, so the task is skipped, which
// is the same outcome as a timeout, only sooner.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/adityajoshi12/shedlock-go/v2"
)

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// Options configures the breaker.
type Options struct {
	// Name identifies the breaker in logs, defaults to "shedlock-store".
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// Logger receives state changes.
	Logger shedlock.Logger
}

// Store is a shedlock.LockStore decorator guarded by a circuit breaker.
type Store struct {
	next shedlock.LockStore
	cb   *gobreaker.CircuitBreaker[bool]
}

// Wrap returns next guarded by a circuit breaker.
func Wrap(next shedlock.LockStore, opts Options) *Store {
	if opts.Name == "" {
		opts.Name = "shedlock-store"
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = shedlock.NopLogger{}
	}
	threshold := opts.FailureThreshold

	cb := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a cancelled caller says nothing about the backend
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Lock store circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Store{next: next, cb: cb}
}

// State reports the breaker state.
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}

func (s *Store) InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	return s.cb.Execute(func() (bool, error) {
		return s.next.InsertRecord(ctx, name, lockUntil, now, holder)
	})
}

func (s *Store) UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	return s.cb.Execute(func() (bool, error) {
		return s.next.UpdateRecord(ctx, name, lockUntil, now, holder)
	})
}

func (s *Store) ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	return s.cb.Execute(func() (bool, error) {
		return s.next.ExtendRecord(ctx, name, lockUntil, now, holder)
	})
}

func (s *Store) ReleaseRecord(ctx context.Context, name string, unlockTime, now time.Time, holder string) error {
	_, err := s.cb.Execute(func() (bool, error) {
		return false, s.next.ReleaseRecord(ctx, name, unlockTime, now, holder)
	})
	return err
}

// FindRecord passes through to the wrapped store when it supports lookups.
// Reads do not count towards the breaker.
func (s *Store) FindRecord(ctx context.Context, name string) (shedlock.LockRecord, bool, error) {
	finder, ok := s.next.(shedlock.RecordFinder)
	if !ok {
		return shedlock.LockRecord{}, false, errors.New("wrapped store does not support lookups")
	}
	return finder.FindRecord(ctx, name)
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
)
