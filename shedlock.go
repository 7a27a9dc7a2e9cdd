// Package shedlock provides distributed locking for scheduled tasks.
//
// ShedLock ensures that your scheduled tasks are executed at most once at the same time.
// If a task is being executed on one node, it acquires a lock which prevents execution
// of the same task from another node (or thread). If one task is already being executed
// on one node, execution on other nodes does not wait, it is simply skipped.
//
// # Basic Usage
//
// First, create a lock store and wrap it in a provider:
//
//	store, err := redis.NewStore(redis.Config{Client: redisClient})
//	provider := shedlock.NewStorageBasedLockProvider(store)
//
// Then create a task executor:
//
//	executor := shedlock.NewDefaultLockingTaskExecutor(provider)
//
// Execute your task with a lock:
//
//	err := executor.ExecuteRequest(ctx, myTask, shedlock.LockRequest{
//	    Name:          "myScheduledTask",
//	    LockAtMostFor: 10 * time.Minute,
//	})
//
// # Lock Stores
//
// ShedLock supports multiple storage backends, each implementing [LockStore]:
//   - In-memory (github.com/adityajoshi12/shedlock-go/v2/providers/inmemory)
//   - Redis (github.com/adityajoshi12/shedlock-go/v2/providers/redis)
//   - PostgreSQL via database/sql (github.com/adityajoshi12/shedlock-go/v2/providers/postgres)
//   - PostgreSQL via pgx (github.com/adityajoshi12/shedlock-go/v2/providers/pgx)
//   - MongoDB (github.com/adityajoshi12/shedlock-go/v2/providers/mongo)
//   - etcd (github.com/adityajoshi12/shedlock-go/v2/providers/etcd)
//   - Kubernetes Leases (github.com/adityajoshi12/shedlock-go/v2/providers/k8s)
//
// # Lock Configuration
//
// LockAtMostUntil specifies how long the lock should be kept in case the executing
// node dies. This is a safety mechanism to prevent deadlocks.
//
// LockAtLeastUntil specifies the minimum time until which the lock should be kept.
// This prevents the task from executing on another node when clocks are slightly
// out of sync or the task finishes very quickly.
package shedlock

import (
	"context"
	"time"
)

// SimpleLock represents an acquired lock.
type SimpleLock interface {
	// Unlock releases the lock. The record stays held until lockAtLeastUntil
	// when that instant is still in the future. Calling Unlock more than once
	// is a no-op.
	Unlock(ctx context.Context) error
	// Extend moves the lock expiration while the lock is still held. On success
	// the returned lock replaces this one, which becomes released.
	Extend(ctx context.Context, lockAtMostFor, lockAtLeastFor time.Duration) (SimpleLock, error)
}

// LockProvider is the interface that must be implemented by lock providers
type LockProvider interface {
	// Lock attempts to acquire a lock with the given configuration.
	// Returns the lock if successful, nil if lock is already held by another process.
	Lock(ctx context.Context, config LockConfiguration) (SimpleLock, error)
}

// Task is a unit of work protected by a lock.
type Task func(ctx context.Context) error

// LockingTaskExecutor executes tasks with distributed locking
type LockingTaskExecutor interface {
	// ExecuteWithLock executes the given task with a distributed lock.
	// If the lock cannot be acquired, the task is skipped.
	ExecuteWithLock(ctx context.Context, task Task, config LockConfiguration) error
}

// TaskResult represents the result of task execution
type TaskResult struct {
	// Executed indicates whether the task was executed
	Executed bool
	// LockAcquired indicates whether the lock was acquired
	LockAcquired bool
	// Duration is how long the task ran
	Duration time.Duration
	// Error contains any error that occurred during execution
	Error error
}
