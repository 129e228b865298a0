package amber

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultRetryBackoff = 2 * time.Second
	defaultMaxBackoff   = time.Minute
)

// ExecutorOptions bound the retry behaviour for transient transfer failures.
type ExecutorOptions struct {
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Executor drives one run: guard check, plan, pending row, sync tool
// invocation with bounded retries, and the single terminal commit.
type Executor struct {
	store   MetadataStore
	guard   DestinationGuard
	planner *Planner
	tool    SyncTool
	logger  Logger
	clock   Clock
	opts    ExecutorOptions
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor.
func NewExecutor(store MetadataStore, guard DestinationGuard, planner *Planner, tool SyncTool, logger Logger, clock Clock, opts ExecutorOptions) *Executor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Executor{
		store:   store,
		guard:   guard,
		planner: planner,
		tool:    tool,
		logger:  logger,
		clock:   clock,
		opts:    opts,
		sleep:   sleepContext,
	}
}

// Execute performs one run of job. onSnapshot is called once the pending
// row exists. The returned RunResult is non-nil whenever a snapshot row was
// created, even if err is non-nil.
func (e *Executor) Execute(ctx context.Context, runID string, job *Job, onSnapshot func(*Snapshot), emit func(ProgressEvent)) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w before start", ErrCancelled)
	}

	// Nothing is recorded for a destination that fails the guard.
	if err := e.guard.Validate(ctx, job.DestinationRoot, job.ID); err != nil {
		e.logger.Error("destination guard failed", "job", job.Name, "root", job.DestinationRoot, "error", err)
		return nil, err
	}

	plan, err := e.planner.Plan(job)
	if err != nil {
		return nil, fmt.Errorf("planning snapshot: %w", err)
	}

	snap := &Snapshot{
		ID:              plan.SnapshotID,
		JobID:           job.ID,
		Name:            plan.SnapshotName,
		Status:          StatusPending,
		PredecessorID:   plan.PredecessorID,
		PredecessorName: plan.PredecessorName,
		CreatedAt:       plan.CreatedAt,
	}
	if err := e.store.InsertPendingSnapshot(snap); err != nil {
		return nil, fmt.Errorf("recording pending snapshot: %w", err)
	}
	if onSnapshot != nil {
		onSnapshot(snap)
	}

	result := &RunResult{RunID: runID, JobID: job.ID, Snapshot: snap}
	attempt := 0
	send := func(ev ProgressEvent) {
		if emit == nil {
			return
		}
		ev.RunID = runID
		ev.JobID = job.ID
		ev.SnapshotID = snap.ID
		ev.SnapshotName = snap.Name
		if ev.Attempt == 0 {
			ev.Attempt = attempt
		}
		if ev.Time.IsZero() {
			ev.Time = e.clock.Now()
		}
		emit(ev)
	}

	e.logger.Info("snapshot started", "job", job.Name, "snapshot", snap.Name, "predecessor", plan.PredecessorName)
	send(ProgressEvent{Type: EventRunStarted, Status: StatusPending})

	for {
		attempt++
		result.Attempts = attempt

		if err := e.store.MarkSnapshotRunning(snap.ID, attempt); err != nil {
			return e.fail(result, attempt, fmt.Errorf("marking snapshot running: %w", err))
		}

		res, toolErr := e.tool.Sync(ctx, plan, send)

		if ctx.Err() != nil {
			e.logger.Warn("snapshot cancelled", "job", job.Name, "snapshot", snap.Name)
			return e.fail(result, attempt, ErrCancelled)
		}
		if toolErr != nil {
			return e.fail(result, attempt, &TransferError{ExitCode: -1, Attempts: attempt, Err: toolErr})
		}

		switch res.Outcome {
		case ToolSuccess:
			return e.complete(result, attempt, res, nil)

		case ToolPartial:
			e.logger.Warn("snapshot completed with failed paths", "job", job.Name, "snapshot", snap.Name, "failed", len(res.FailedPaths))
			return e.complete(result, attempt, res, &PartialTransferError{FailedPaths: res.FailedPaths})

		case ToolTransient:
			transferErr := &TransferError{ExitCode: res.ExitCode, Transient: true, Attempts: attempt, Diagnostics: res.Diagnostics}
			if attempt > e.opts.MaxRetries {
				return e.fail(result, attempt, transferErr)
			}
			delay := e.backoff(attempt)
			e.logger.Warn("transient transfer failure, retrying", "job", job.Name, "snapshot", snap.Name,
				"exit_code", res.ExitCode, "attempt", attempt, "delay", delay)
			send(ProgressEvent{Type: EventRetry, Err: transferErr.Error()})

			if err := e.sleep(ctx, delay); err != nil {
				return e.fail(result, attempt, ErrCancelled)
			}
			// The destination may have gone away while we waited.
			if err := e.guard.Validate(ctx, job.DestinationRoot, job.ID); err != nil {
				if ctx.Err() != nil {
					return e.fail(result, attempt, ErrCancelled)
				}
				return e.fail(result, attempt, err)
			}

		default:
			return e.fail(result, attempt, &TransferError{ExitCode: res.ExitCode, Attempts: attempt, Diagnostics: res.Diagnostics})
		}
	}
}

func (e *Executor) complete(result *RunResult, attempt int, res *SyncResult, warning *PartialTransferError) (*RunResult, error) {
	outcome := Outcome{
		Status:      StatusComplete,
		Stats:       res.Stats,
		FailedPaths: res.FailedPaths,
		Attempts:    attempt,
		FinishedAt:  e.clock.Now().UTC(),
	}
	if warning != nil {
		outcome.ErrorKind = KindPartialTransfer
		outcome.ErrorMessage = warning.Error()
		code := res.ExitCode
		outcome.ExitCode = &code
	}
	if err := e.commit(result, outcome); err != nil {
		return result, err
	}
	e.logger.Info("snapshot complete", "job", result.JobID, "snapshot", result.Snapshot.Name,
		"bytes_sent", res.Stats.BytesSent, "files_changed", res.Stats.FilesChanged)
	return result, nil
}

// fail commits the snapshot as failed and returns cause.
func (e *Executor) fail(result *RunResult, attempt int, cause error) (*RunResult, error) {
	outcome := Outcome{
		Status:       StatusFailed,
		ErrorKind:    KindOf(cause),
		ErrorMessage: cause.Error(),
		Attempts:     attempt,
		FinishedAt:   e.clock.Now().UTC(),
	}
	var transferErr *TransferError
	if errors.As(cause, &transferErr) {
		code := transferErr.ExitCode
		outcome.ExitCode = &code
	}
	if err := e.commit(result, outcome); err != nil {
		return result, errors.Join(cause, err)
	}
	e.logger.Error("snapshot failed", "job", result.JobID, "snapshot", result.Snapshot.Name, "kind", outcome.ErrorKind, "error", cause)
	return result, cause
}

// commit performs the single terminal transition and refreshes the result's snapshot.
func (e *Executor) commit(result *RunResult, outcome Outcome) error {
	if err := e.store.CommitSnapshot(result.Snapshot.ID, outcome); err != nil {
		return fmt.Errorf("committing snapshot %s: %w", result.Snapshot.Name, err)
	}
	committed, err := e.store.FindSnapshot(result.Snapshot.ID)
	if err != nil {
		return fmt.Errorf("reloading snapshot %s: %w", result.Snapshot.Name, err)
	}
	if committed != nil {
		result.Snapshot = committed
	}
	return nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.MaxBackoff {
			return e.opts.MaxBackoff
		}
	}
	if d > e.opts.MaxBackoff {
		return e.opts.MaxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
