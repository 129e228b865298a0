package amber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPollInterval = 30 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@daily" or "@every 6h".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun returns when job is next due. Missed triggers collapse into one:
// the next time is computed from the last trigger, not from now.
func NextRun(job *Job) (time.Time, error) {
	if job.Schedule == "" {
		return time.Time{}, nil
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	from := job.LastRunAt
	if from.IsZero() {
		from = job.CreatedAt
	}
	return sched.Next(from), nil
}

// Scheduler triggers runs of jobs whose cron schedule has come due.
type Scheduler struct {
	store        MetadataStore
	clock        Clock
	logger       Logger
	pollInterval time.Duration
	start        func(ctx context.Context, job *Job) (*Run, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. start launches a run and must enforce
// per-job exclusivity by returning ErrScheduleConflict.
func NewScheduler(store MetadataStore, clock Clock, logger Logger, pollInterval time.Duration, start func(ctx context.Context, job *Job) (*Run, error)) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Scheduler{
		store:        store,
		clock:        clock,
		logger:       logger,
		pollInterval: pollInterval,
		start:        start,
	}
}

// Start begins polling. Runs started by the scheduler are detached from
// ctx; stopping the scheduler does not cancel them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.runLoop(ctx)
	}(s.done)

	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)
	return nil
}

// Stop stops firing new triggers and waits for the polling loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runLoop(ctx context.Context) {
	s.RunDue(ctx, s.clock.Now())
	t := time.NewTicker(s.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunDue(ctx, s.clock.Now())
		}
	}
}

// RunDue starts every job whose next trigger is at or before now and
// returns the runs it started. A due job that already has a run in flight
// is skipped, not queued; its trigger is still recorded.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []*Run {
	jobs, err := s.store.ListJobs()
	if err != nil {
		s.logger.Error("listing jobs for scheduling", "error", err)
		return nil
	}

	var started []*Run
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if job.Schedule == "" {
			continue
		}
		next, err := NextRun(job)
		if err != nil {
			s.logger.Error("invalid schedule", "job", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		if next.After(now) {
			continue
		}

		// Persist the trigger first so a crash or restart does not fire it again.
		if err := s.store.RecordJobRun(job.ID, now); err != nil {
			s.logger.Error("recording trigger", "job", job.Name, "error", err)
			continue
		}

		run, err := s.start(context.WithoutCancel(ctx), job)
		switch {
		case errors.Is(err, ErrScheduleConflict):
			s.logger.Warn("skipping scheduled run, previous run still in flight", "job", job.Name, "due", next)
		case err != nil:
			s.logger.Error("starting scheduled run", "job", job.Name, "error", err)
		default:
			s.logger.Info("scheduled run started", "job", job.Name, "run", run.ID, "due", next)
			started = append(started, run)
		}
	}
	return started
}
