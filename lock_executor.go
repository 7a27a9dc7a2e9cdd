package shedlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultUnlockTimeout = 5 * time.Second

// Observer is notified about every execution handled by the executor.
type Observer interface {
	ExecutionFinished(name string, result TaskResult)
	UnlockFailed(name string, err error)
}

// DefaultLockingTaskExecutor is the default implementation of LockingTaskExecutor
type DefaultLockingTaskExecutor struct {
	lockProvider  LockProvider
	logger        Logger
	defaults      Defaults
	clock         func() time.Time
	observer      Observer
	tracer        trace.Tracer
	unlockTimeout time.Duration
}

// ExecutorOption configures a DefaultLockingTaskExecutor.
type ExecutorOption func(*DefaultLockingTaskExecutor)

// WithLogger sets the executor logger.
func WithLogger(logger Logger) ExecutorOption {
	return func(e *DefaultLockingTaskExecutor) {
		e.logger = logger
	}
}

// WithDefaults sets the durations used by ExecuteRequest when a request leaves them empty.
func WithDefaults(defaults Defaults) ExecutorOption {
	return func(e *DefaultLockingTaskExecutor) {
		e.defaults = defaults
	}
}

// WithExecutorClock replaces time.Now when building configurations from requests.
func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(e *DefaultLockingTaskExecutor) {
		e.clock = clock
	}
}

// WithObserver registers an execution observer, e.g. metrics.Collector.
func WithObserver(observer Observer) ExecutorOption {
	return func(e *DefaultLockingTaskExecutor) {
		e.observer = observer
	}
}

// WithTracer records a span per execution.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *DefaultLockingTaskExecutor) {
		e.tracer = tracer
	}
}

// WithUnlockTimeout bounds the unlock call made after the task returns.
func WithUnlockTimeout(timeout time.Duration) ExecutorOption {
	return func(e *DefaultLockingTaskExecutor) {
		e.unlockTimeout = timeout
	}
}

// NewDefaultLockingTaskExecutor creates a new DefaultLockingTaskExecutor
func NewDefaultLockingTaskExecutor(provider LockProvider, opts ...ExecutorOption) *DefaultLockingTaskExecutor {
	e := &DefaultLockingTaskExecutor{
		lockProvider:  provider,
		logger:        NewDefaultLogger(),
		defaults:      DefaultDefaults(),
		clock:         time.Now,
		tracer:        noop.NewTracerProvider().Tracer("shedlock"),
		unlockTimeout: defaultUnlockTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewDefaultLockingTaskExecutorWithLogger creates a new DefaultLockingTaskExecutor with a custom logger
func NewDefaultLockingTaskExecutorWithLogger(provider LockProvider, logger Logger) *DefaultLockingTaskExecutor {
	return NewDefaultLockingTaskExecutor(provider, WithLogger(logger))
}

// ExecuteWithLock executes the given task with a distributed lock
func (e *DefaultLockingTaskExecutor) ExecuteWithLock(ctx context.Context, task Task, config LockConfiguration) error {
	_, err := e.Execute(ctx, task, config)
	return err
}

// ExecuteRequest resolves the request against the executor defaults and runs the task.
func (e *DefaultLockingTaskExecutor) ExecuteRequest(ctx context.Context, task Task, req LockRequest) error {
	_, err := e.ExecuteRequestResult(ctx, task, req)
	return err
}

// ExecuteRequestResult is ExecuteRequest that also reports what happened.
func (e *DefaultLockingTaskExecutor) ExecuteRequestResult(ctx context.Context, task Task, req LockRequest) (TaskResult, error) {
	config, err := e.defaults.Configuration(req, e.clock())
	if err != nil {
		return TaskResult{Error: err}, err
	}
	return e.Execute(ctx, task, config)
}

// Execute acquires the lock, runs the task and releases the lock.
//
// When another node holds the lock the task is skipped and no error is
// returned. A store failure also skips the task and is returned as an error
// matching ErrStoreFailure. A task error is returned after the lock is released.
func (e *DefaultLockingTaskExecutor) Execute(ctx context.Context, task Task, config LockConfiguration) (result TaskResult, err error) {
	if task == nil {
		return TaskResult{}, fmt.Errorf("task cannot be nil")
	}

	name := config.Name()
	ctx, span := e.tracer.Start(ctx, "shedlock.execute", trace.WithAttributes(attribute.String("shedlock.name", name)))
	defer func() {
		span.SetAttributes(
			attribute.Bool("shedlock.acquired", result.LockAcquired),
			attribute.Bool("shedlock.executed", result.Executed),
		)
		if result.Error != nil {
			span.RecordError(result.Error)
			span.SetStatus(codes.Error, result.Error.Error())
		}
		span.End()
		if e.observer != nil {
			e.observer.ExecutionFinished(name, result)
		}
	}()

	e.logger.Debug("Attempting to acquire lock", "name", name)

	lock, err := e.lockProvider.Lock(ctx, config)
	if err != nil {
		result.Error = err
		if errors.Is(err, ErrInvalidConfiguration) {
			e.logger.Error("Invalid lock configuration", "name", name, "error", err)
			return result, err
		}
		e.logger.Warn("Lock status unknown, skipping execution", "name", name, "error", err)
		return result, fmt.Errorf("failed to acquire lock: %w", err)
	}

	// If lock is nil, it means another process holds the lock
	if lock == nil {
		e.logger.Debug("Lock is held by another process, skipping execution", "name", name)
		return result, nil
	}

	result.LockAcquired = true
	e.logger.Info("Lock acquired successfully", "name", name)

	defer e.unlock(ctx, name, lock)

	result.Executed = true
	taskStart := time.Now()
	taskErr := task(withLock(ctx, name))
	result.Duration = time.Since(taskStart)

	if taskErr != nil {
		result.Error = taskErr
		e.logger.Error("Task execution failed", "name", name, "error", taskErr, "duration", result.Duration)
		return result, fmt.Errorf("task execution failed: %w", taskErr)
	}

	e.logger.Info("Task executed successfully", "name", name, "duration", result.Duration)
	return result, nil
}

// unlock runs on a context detached from the caller so a cancelled task
// context does not leave the record locked until lockAtMostUntil.
func (e *DefaultLockingTaskExecutor) unlock(ctx context.Context, name string, lock SimpleLock) {
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.unlockTimeout)
	defer cancel()

	if err := lock.Unlock(unlockCtx); err != nil {
		e.logger.Warn("Error releasing lock, it will expire at lockAtMostUntil", "name", name, "error", err)
		if e.observer != nil {
			e.observer.UnlockFailed(name, err)
		}
		return
	}
	e.logger.Debug("Lock released successfully", "name", name)
}

var _ LockingTaskExecutor = (*DefaultLockingTaskExecutor)(nil)
