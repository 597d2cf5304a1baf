// Package scheduler dispatches recurring jobs through the jobs runtime.
// Each run is guarded by a lock keyed by task and run time, so several
// worker processes can share one schedule and each run is dispatched once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	DefaultDispatchTimeout = 10 * time.Second
	DefaultLockTTL         = 30 * time.Second
)

// Config tunes the scheduler.
type Config struct {
	// DispatchTimeout bounds one Submit, which in direct mode includes the
	// handler run.
	DispatchTimeout time.Duration
	DefaultLockTTL  time.Duration
	// MisfireAfter is how late a run may fire before its task's misfire
	// policy applies. Defaults to the lock TTL.
	MisfireAfter time.Duration
}

func (c *Config) normalize() {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = DefaultLockTTL
	}
	if c.MisfireAfter <= 0 {
		c.MisfireAfter = c.DefaultLockTTL
	}
}

// Scheduler runs one loop per registered task.
type Scheduler struct {
	dispatcher Dispatcher
	locks      LockProvider
	log        logger.Logger
	config     Config
	now        func() time.Time

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler that submits through dispatcher.
func New(dispatcher Dispatcher, locks LockProvider, log logger.Logger, cfg Config) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, schedulerError(ErrInvalidArgument, "dispatcher is required")
	}
	if locks == nil {
		return nil, schedulerError(ErrInvalidArgument, "lock provider is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	cfg.normalize()
	return &Scheduler{
		dispatcher: dispatcher,
		locks:      locks,
		log:        log,
		config:     cfg,
		now:        func() time.Time { return time.Now().UTC() },
		tasks:      map[string]Task{},
	}, nil
}

// Register validates and adds task. Names are unique.
func (s *Scheduler) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	s.tasks[task.Name] = task
	return nil
}

// Tasks returns the registered tasks sorted by name.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	slices.SortFunc(out, func(a, b Task) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Start blocks running every task until ctx is done, then waits for the
// loops to exit.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}
	tasks := s.Tasks()
	if len(tasks) == 0 {
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go s.loop(runCtx, task)
	}
	s.log.Info("SCHEDULER_STARTED", "tasks", len(tasks))

	<-runCtx.Done()
	return s.Stop(context.Background())
}

// Stop cancels the loops and waits for in-flight dispatches up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.log.Info("SCHEDULER_STOPPED")
		return nil
	}
}

// Trigger dispatches name now, outside its schedule. The run still takes
// the lock, keyed by the current second.
func (s *Scheduler) Trigger(ctx context.Context, name string) (jobs.Submission, error) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return jobs.Submission{}, schedulerError(ErrNotFound, name)
	}
	return s.dispatch(ctx, task, s.now().Truncate(time.Second))
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()
	log := s.log.With("task", task.Name, "job_name", task.JobName)

	from := s.now()
	for {
		runAt, err := task.nextRun(from)
		if err != nil {
			log.Error("scheduler task has invalid schedule", "error", err)
			return
		}

		timer := time.NewTimer(time.Until(runAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		from = runAt
		if late := s.now().Sub(runAt); late > s.config.MisfireAfter {
			// Resume from the present so a long pause does not replay every missed run.
			from = s.now()
			if task.MisfirePolicy == MisfirePolicySkip {
				recordSchedulerDispatch(task.Name, "misfired")
				log.Warn("SCHEDULER_RUN_MISFIRED", "run_at", runAt, "late_ms", late.Milliseconds())
				continue
			}
		}

		if _, err := s.dispatch(ctx, task, runAt); err != nil && ctx.Err() == nil {
			log.Error("SCHEDULER_DISPATCH_FAILED", "run_at", runAt, "error", err)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task Task, runAt time.Time) (jobs.Submission, error) {
	ttl := task.LockTTL
	if ttl <= 0 {
		ttl = s.config.DefaultLockTTL
	}
	key := fmt.Sprintf("%s:%d", task.Name, runAt.UnixMilli())

	lease, acquired, err := s.locks.Acquire(ctx, key, ttl)
	if err != nil {
		recordSchedulerDispatch(task.Name, "lock_error")
		return jobs.Submission{}, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		recordSchedulerDispatch(task.Name, "skipped")
		return jobs.Submission{}, nil
	}

	incrementSchedulerDispatchInFlight(task.Name)
	defer decrementSchedulerDispatchInFlight(task.Name)

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		s.renew(renewCtx, task.Name, lease, ttl)
	}()

	payload := task.Payload.Clone()
	if payload == nil {
		payload = jobs.Payload{}
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	submission, submitErr := s.dispatcher.Submit(dispatchCtx, task.JobName, payload, jobs.Options{
		JobID:    key,
		Attempts: task.Attempts,
	})
	cancel()
	stopRenew()
	<-renewDone

	var releaseErr error
	if err := s.locks.Release(context.WithoutCancel(ctx), lease); err != nil && !errors.Is(err, ErrConflict) {
		releaseErr = fmt.Errorf("release lock %s: %w", key, err)
	}

	switch {
	case errors.Is(submitErr, jobs.ErrConflict):
		// Another instance enqueued this run after our lock expired.
		recordSchedulerDispatch(task.Name, "duplicate")
		return submission, releaseErr
	case submitErr != nil:
		recordSchedulerDispatch(task.Name, "error")
		return submission, errors.Join(submitErr, releaseErr)
	}

	recordSchedulerDispatch(task.Name, "dispatched")
	s.log.WithContext(ctx).Info("SCHEDULER_TASK_DISPATCHED",
		"task", task.Name,
		"job_name", task.JobName,
		"mode", string(submission.Mode),
		"job_id", submission.JobID,
		"run_at", runAt,
		"lock_owner", lease.Owner,
	)
	return submission, releaseErr
}

// renew extends the lease every half TTL until ctx ends, which matters for
// inline runs that outlive the TTL.
func (s *Scheduler) renew(ctx context.Context, taskName string, lease *LockLease, ttl time.Duration) {
	interval := ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.locks.Renew(ctx, lease, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				recordSchedulerLockRenew(taskName, "error")
				s.log.Warn("scheduler lock renew failed", "task", taskName, "key", lease.Key, "error", err)
				continue
			}
			recordSchedulerLockRenew(taskName, "ok")
		}
	}
}
