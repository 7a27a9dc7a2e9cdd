// Package scheduler runs lock-guarded tasks on cron schedules.
//
// Every node of a fleet registers the same jobs; on each tick all of them try
// to run the job and the lock lets exactly one through.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adityajoshi12/shedlock-go/v2"
)

var (
	// ErrDuplicateJob is returned when a job name is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrStopped is returned by Trigger once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// Executor runs a task under a lock resolved from a request.
// *shedlock.DefaultLockingTaskExecutor implements it.
type Executor interface {
	ExecuteRequest(ctx context.Context, task shedlock.Task, req shedlock.LockRequest) error
}

// Job describes one scheduled task. Name doubles as the lock name.
type Job struct {
	Name          string
	Spec          string
	LockAtMostFor time.Duration
	// LockAtLeastFor is nil to use the executor default.
	LockAtLeastFor *time.Duration
	// Timeout bounds a single run; zero means no limit besides Stop.
	Timeout time.Duration
	Task    shedlock.Task
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	seconds  bool
	location *time.Location
	logger   shedlock.Logger
}

// WithSeconds accepts six-field specs with a leading seconds field.
func WithSeconds() Option {
	return func(o *options) { o.seconds = true }
}

// WithLocation interprets specs in loc instead of time.Local.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger shedlock.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Scheduler wraps a robfig/cron instance.
type Scheduler struct {
	cron     *cron.Cron
	executor Executor
	logger   shedlock.Logger

	mu      sync.Mutex
	jobs    map[string]*runner
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New creates a scheduler that runs jobs through executor.
func New(executor Executor, opts ...Option) *Scheduler {
	o := &options{location: time.Local, logger: shedlock.NewDefaultLogger()}
	for _, opt := range opts {
		opt(o)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if o.seconds {
		parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}

	cronLogger := cronLogAdapter{logger: o.logger}
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(o.location),
			cron.WithParser(parser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		executor: executor,
		logger:   o.logger,
		jobs:     map[string]*runner{},
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Add registers job. Runs of the same job never overlap within one process.
func (s *Scheduler) Add(job Job) (cron.EntryID, error) {
	if job.Name == "" {
		return 0, errors.New("job name cannot be empty")
	}
	if job.Task == nil {
		return 0, fmt.Errorf("job %q has no task", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	r := &runner{scheduler: s, job: job}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogAdapter{logger: s.logger})).Then(r)
	id, err := s.cron.AddJob(job.Spec, wrapped)
	if err != nil {
		return 0, fmt.Errorf("failed to add job %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = r
	return id, nil
}

// AddFunc registers task under name with the default lock durations.
func (s *Scheduler) AddFunc(spec, name string, task shedlock.Task) (cron.EntryID, error) {
	return s.Add(Job{Name: name, Spec: spec, Task: task})
}

// Trigger runs the named job now, outside its schedule, and waits for it.
// It returns ErrStopped once Stop has been called.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	r, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return r.execute(ctx)
}

// Entries returns the registered cron entries.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// Start begins scheduling. It does not block.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx is done, then
// cancels whatever is still running.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	stopped := s.cron.Stop()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

type runner struct {
	scheduler *Scheduler
	job       Job
}

// Run implements cron.Job.
func (r *runner) Run() {
	if err := r.execute(r.scheduler.baseCtx); err != nil && !errors.Is(err, ErrStopped) {
		r.scheduler.logger.Error("Scheduled job failed", "name", r.job.Name, "error", err)
	}
}

func (r *runner) execute(ctx context.Context) error {
	s := r.scheduler
	if !s.track() {
		return ErrStopped
	}
	defer s.running.Done()

	if r.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.job.Timeout)
		defer cancel()
	}

	return s.executor.ExecuteRequest(ctx, r.job.Task, shedlock.LockRequest{
		Name:           r.job.Name,
		LockAtMostFor:  r.job.LockAtMostFor,
		LockAtLeastFor: r.job.LockAtLeastFor,
	})
}

// track registers a run with Stop unless the scheduler is stopping. No Add
// happens once stopped is set, so the Wait in Stop never races one.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.running.Add(1)
	return true
}

// cronLogAdapter lets robfig/cron log through a shedlock.Logger.
type cronLogAdapter struct {
	logger shedlock.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append(keysAndValues, "error", err)...)
}

var (
	_ Executor    = (*shedlock.DefaultLockingTaskExecutor)(nil)
	_ cron.Logger = cronLogAdapter{}
)
