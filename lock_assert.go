package shedlock

import (
	"context"
	"sync/atomic"
)

type lockedTaskKey struct{}

var assertsPass atomic.Bool

// withLock marks ctx as belonging to a task running under the named lock.
func withLock(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, lockedTaskKey{}, name)
}

// LockName returns the name of the lock the task holds, if any.
func LockName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(lockedTaskKey{}).(string)
	return name, ok
}

// AssertLocked verifies that the task owning ctx runs under a lock.
// Call it at the top of a task that must never run unlocked.
func AssertLocked(ctx context.Context) error {
	if assertsPass.Load() {
		return nil
	}
	if _, ok := LockName(ctx); !ok {
		return ErrNotLocked
	}
	return nil
}

// LockAssertTestHelper provides utilities for testing locked tasks directly.
type LockAssertTestHelper struct{}

// MakeAllAssertsPass configures assertions to always pass (for testing)
func (LockAssertTestHelper) MakeAllAssertsPass(pass bool) {
	assertsPass.Store(pass)
}
