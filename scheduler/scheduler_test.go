package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/adityajoshi12/shedlock-go/v2"
	"github.com/adityajoshi12/shedlock-go/v2/providers/inmemory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingExecutor struct {
	mu       sync.Mutex
	requests []shedlock.LockRequest
}

func (e *recordingExecutor) ExecuteRequest(ctx context.Context, task shedlock.Task, req shedlock.LockRequest) error {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return task(ctx)
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New(&recordingExecutor{}, WithLogger(shedlock.NopLogger{}))
	task := func(context.Context) error { return nil }

	_, err := s.Add(Job{Spec: "@every 1m", Task: task})
	assert.Error(t, err, "missing name")

	_, err = s.Add(Job{Name: "job-A", Spec: "@every 1m"})
	assert.Error(t, err, "missing task")

	_, err = s.Add(Job{Name: "job-A", Spec: "not a spec", Task: task})
	assert.Error(t, err)

	_, err = s.Add(Job{Name: "job-A", Spec: "*/5 * * * *", Task: task})
	require.NoError(t, err)

	_, err = s.AddFunc("@hourly", "job-A", task)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	assert.Len(t, s.Entries(), 1)
}

func TestScheduler_SecondsParser(t *testing.T) {
	task := func(context.Context) error { return nil }

	_, err := New(&recordingExecutor{}, WithLogger(shedlock.NopLogger{})).AddFunc("*/10 * * * * *", "job-A", task)
	assert.Error(t, err, "six fields need WithSeconds")

	_, err = New(&recordingExecutor{}, WithSeconds(), WithLogger(shedlock.NopLogger{})).AddFunc("*/10 * * * * *", "job-A", task)
	assert.NoError(t, err)
}

func TestScheduler_TriggerPassesLockRequest(t *testing.T) {
	executor := &recordingExecutor{}
	s := New(executor, WithLogger(shedlock.NopLogger{}))

	_, err := s.Add(Job{
		Name:           "job-A",
		Spec:           "@daily",
		LockAtMostFor:  10 * time.Minute,
		LockAtLeastFor: shedlock.Duration(time.Minute),
		Timeout:        time.Second,
		Task: func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Trigger(context.Background(), "job-A"))
	assert.Equal(t, []shedlock.LockRequest{{Name: "job-A", LockAtMostFor: 10 * time.Minute, LockAtLeastFor: shedlock.Duration(time.Minute)}}, executor.requests)

	assert.Error(t, s.Trigger(context.Background(), "job-B"))
}

func TestScheduler_TriggerReturnsTaskError(t *testing.T) {
	s := New(&recordingExecutor{}, WithLogger(shedlock.NopLogger{}))
	boom := errors.New("boom")
	_, err := s.AddFunc("@daily", "job-A", func(context.Context) error { return boom })
	require.NoError(t, err)

	assert.ErrorIs(t, s.Trigger(context.Background(), "job-A"), boom)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	var runs atomic.Int32
	s := New(&recordingExecutor{}, WithSeconds(), WithLogger(shedlock.NopLogger{}))
	_, err := s.AddFunc("* * * * * *", "job-A", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_StopCancelsAfterDeadline(t *testing.T) {
	s := New(&recordingExecutor{}, WithLogger(shedlock.NopLogger{}))
	started := make(chan struct{})
	_, err := s.AddFunc("@daily", "job-A", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	s.Start()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Trigger(s.baseCtx, "job-A") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestScheduler_TriggerAfterStop(t *testing.T) {
	var runs atomic.Int32
	s := New(&recordingExecutor{}, WithLogger(shedlock.NopLogger{}))
	_, err := s.AddFunc("@daily", "job-A", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	s.Start()
	require.NoError(t, s.Stop(context.Background()))

	assert.ErrorIs(t, s.Trigger(context.Background(), "job-A"), ErrStopped)
	assert.Zero(t, runs.Load())
}

func TestScheduler_TriggerRacingStop(t *testing.T) {
	for range 50 {
		s := New(&recordingExecutor{}, WithLogger(shedlock.NopLogger{}))
		_, err := s.AddFunc("@daily", "job-A", func(context.Context) error { return nil })
		require.NoError(t, err)
		s.Start()

		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Trigger(context.Background(), "job-A")
			}()
		}
		require.NoError(t, s.Stop(context.Background()))
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrStopped)
			}
		}
	}
}

func TestScheduler_OneNodeRunsEachTick(t *testing.T) {
	store := inmemory.NewStore()
	var runs atomic.Int32
	task := func(context.Context) error {
		runs.Add(1)
		return nil
	}

	var nodes []*Scheduler
	for _, id := range []string{"node-1", "node-2", "node-3"} {
		provider, err := shedlock.NewStorageBasedLockProvider(store, shedlock.WithIdentity(id))
		require.NoError(t, err)
		executor := shedlock.NewDefaultLockingTaskExecutor(provider, shedlock.WithLogger(shedlock.NopLogger{}))
		s := New(executor, WithLogger(shedlock.NopLogger{}))
		_, err = s.Add(Job{Name: "job-A", Spec: "@daily", LockAtMostFor: time.Minute, LockAtLeastFor: shedlock.Duration(30 * time.Second), Task: task})
		require.NoError(t, err)
		nodes = append(nodes, s)
	}

	var wg sync.WaitGroup
	for _, s := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Trigger(context.Background(), "job-A"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
}
