package amber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"amber-go/internal/fs"
)

const (
	defaultMaxConcurrentRuns = 2
	defaultSnapshotPageSize  = 50
)

// EngineOptions configure an Engine.
type EngineOptions struct {
	Planner           PlannerOptions
	Executor          ExecutorOptions
	PollInterval      time.Duration
	MaxConcurrentRuns int64
	CancelOnShutdown  bool
	DefaultRetention  RetentionPolicy

	// Locks shares run leases with other engines using the same store.
	// Nil keeps leases within this engine.
	Locks RunLocks
}

// Engine is the command surface of the backup engine. It owns the run
// registry, the scheduler and the progress stream, and routes every run,
// manual or scheduled, through StartRun.
type Engine struct {
	store  MetadataStore
	guard  DestinationGuard
	clock  Clock
	idgen  IDGenerator
	logger Logger
	opts   EngineOptions

	executor  *Executor
	pruner    *Pruner
	restorer  *Restorer
	scheduler *Scheduler

	runs *runRegistry
	hub  *progressHub
	sem  *semaphore.Weighted

	mu      sync.Mutex
	corrupt error
}

// NewEngine wires an Engine from its collaborators. Call Open before use.
func NewEngine(store MetadataStore, guard DestinationGuard, tool SyncTool, clock Clock, idgen IDGenerator, logger Logger, opts EngineOptions) *Engine {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = defaultMaxConcurrentRuns
	}
	planner := NewPlanner(store, clock, idgen, opts.Planner)
	e := &Engine{
		store:    store,
		guard:    guard,
		clock:    clock,
		idgen:    idgen,
		logger:   logger,
		opts:     opts,
		executor: NewExecutor(store, guard, planner, tool, logger, clock, opts.Executor),
		pruner:   NewPruner(store, guard, logger),
		restorer: NewRestorer(store, logger),
		runs:     newRunRegistry(opts.Locks),
		hub:      newProgressHub(),
		sem:      semaphore.NewWeighted(opts.MaxConcurrentRuns),
	}
	e.scheduler = NewScheduler(store, clock, logger, opts.PollInterval, func(ctx context.Context, job *Job) (*Run, error) {
		return e.StartRun(ctx, job.ID, TriggerScheduled)
	})
	return e
}

// Open checks the metadata store. A failed integrity check is returned and
// also blocks runs and the scheduler until Rebuild succeeds. Open never
// changes snapshot records, so read-only commands can run next to a run in
// another process.
func (e *Engine) Open(ctx context.Context) error {
	if err := e.store.CheckIntegrity(); err != nil {
		if !errors.Is(err, ErrMetadataCorruption) {
			err = fmt.Errorf("%w: %v", ErrMetadataCorruption, err)
		}
		e.setCorrupt(err)
		e.logger.Error("metadata integrity check failed", "error", err)
		return err
	}
	return nil
}

// Recover fails the pending and running snapshots of every job whose run
// lease is free, that is, runs whose process died before committing.
// Jobs with a run in flight anywhere are left alone.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.corruption(); err != nil {
		return err
	}
	jobs, err := e.store.ListJobs()
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		lease, err := e.runs.hold(job.ID)
		if errors.Is(err, ErrJobBusy) {
			e.logger.Debug("skipping recovery, run in flight", "job", job.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		err = e.recoverJob(job)
		if releaseErr := lease.Release(); err == nil {
			err = releaseErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// recoverJob fails the job's unfinished snapshots. The caller holds the
// job's lease, so no live run owns them.
func (e *Engine) recoverJob(job *Job) error {
	abandoned, err := e.store.FailUnfinishedSnapshots(job.ID, Outcome{
		Status:       StatusFailed,
		ErrorKind:    KindInterrupted,
		ErrorMessage: "run interrupted by engine shutdown or crash",
		FinishedAt:   e.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recovering unfinished snapshots of %s: %w", job.Name, err)
	}
	for _, s := range abandoned {
		e.logger.Warn("marked interrupted snapshot as failed", "job", job.Name, "snapshot", s.Name)
	}
	return nil
}

func (e *Engine) setCorrupt(err error) {
	e.mu.Lock()
	e.corrupt = err
	e.mu.Unlock()
}

func (e *Engine) corruption() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corrupt
}

// CreateJob validates spec, adopts the destination and records the job.
// A destination whose marker names a job no longer in the store is
// re-adopted under that identity so Rebuild can import its snapshots.
func (e *Engine) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if err := e.validateSpec(&spec); err != nil {
		return nil, err
	}
	existing, err := e.store.FindJobByName(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("finding job: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, spec.Name)
	}

	id := e.idgen.New()
	identity, err := e.guard.Identity(ctx, spec.DestinationRoot)
	if err != nil {
		return nil, fmt.Errorf("reading destination marker: %w", err)
	}
	if identity != "" {
		owner, err := e.store.FindJob(identity)
		if err != nil {
			return nil, fmt.Errorf("finding marker owner: %w", err)
		}
		if owner != nil {
			return nil, &DestinationError{Root: spec.DestinationRoot, Reason: ErrWrongIdentity, Detail: "used by job " + owner.Name}
		}
		e.logger.Info("re-adopting orphaned destination", "root", spec.DestinationRoot, "identity", identity)
		id = identity
	}

	now := e.clock.Now().UTC()
	job := &Job{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applySpec(job, spec)
	if !job.Retention.Enabled() && !job.Retention.PruneFailed {
		job.Retention = e.opts.DefaultRetention
	}

	if err := e.guard.Adopt(ctx, job.DestinationRoot, job.ID, job.Name); err != nil {
		return nil, fmt.Errorf("adopting destination: %w", err)
	}
	if err := e.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	e.logger.Info("job created", "job", job.Name, "id", job.ID, "source", job.SourcePath, "destination", job.DestinationRoot)
	return job, nil
}

// UpdateJob replaces the user-editable fields of a job. Moving the
// destination adopts the new root; snapshots under the old one stay there.
func (e *Engine) UpdateJob(ctx context.Context, ref string, spec JobSpec) (*Job, error) {
	job, err := e.GetJob(ref)
	if err != nil {
		return nil, err
	}
	if err := e.validateSpec(&spec); err != nil {
		return nil, err
	}
	if spec.Name != job.Name {
		other, err := e.store.FindJobByName(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("finding job: %w", err)
		}
		if other != nil {
			return nil, fmt.Errorf("%w: %s", ErrJobExists, spec.Name)
		}
	}

	if spec.DestinationRoot != job.DestinationRoot {
		lease, err := e.runs.hold(job.ID)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.Name, err)
		}
		defer lease.Release()
		if err := e.guard.Adopt(ctx, spec.DestinationRoot, job.ID, spec.Name); err != nil {
			return nil, fmt.Errorf("adopting destination: %w", err)
		}
	}

	applySpec(job, spec)
	job.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.UpdateJob(job); err != nil {
		return nil, fmt.Errorf("updating job: %w", err)
	}
	e.logger.Info("job updated", "job", job.Name)
	return job, nil
}

// DeleteJob removes a job and its snapshot records. Snapshot directories
// are left on disk unless purge is set, in which case they and the marker
// are removed after the destination passes the guard.
func (e *Engine) DeleteJob(ctx context.Context, ref string, purge bool) error {
	job, err := e.GetJob(ref)
	if err != nil {
		return err
	}
	lease, err := e.runs.hold(job.ID)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	defer lease.Release()

	if purge {
		if err := e.guard.Validate(ctx, job.DestinationRoot, job.ID); err != nil {
			return err
		}
		snapshots, err := e.allSnapshots(job.ID)
		if err != nil {
			return err
		}
		for _, s := range snapshots {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fs.RemoveTree(s.Path(job.DestinationRoot)); err != nil {
				return fmt.Errorf("purging snapshot %s: %w", s.Name, err)
			}
		}
		if err := e.guard.Release(ctx, job.DestinationRoot, job.ID); err != nil {
			return fmt.Errorf("releasing destination: %w", err)
		}
	}

	if err := e.store.DeleteJob(job.ID); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	e.logger.Info("job deleted", "job", job.Name, "purged", purge)
	return nil
}

// GetJob finds a job by ID or name.
func (e *Engine) GetJob(ref string) (*Job, error) {
	job, err := e.store.FindJob(ref)
	if err != nil {
		return nil, fmt.Errorf("finding job: %w", err)
	}
	if job != nil {
		return job, nil
	}
	job, err = e.store.FindJobByName(ref)
	if err != nil {
		return nil, fmt.Errorf("finding job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, ref)
	}
	return job, nil
}

// ListJobs returns all jobs ordered by name.
func (e *Engine) ListJobs() ([]*Job, error) {
	jobs, err := e.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (e *Engine) validateSpec(spec *JobSpec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return errors.New("job name is required")
	}
	if strings.ContainsAny(spec.Name, "/\\") {
		return fmt.Errorf("job name %q must not contain path separators", spec.Name)
	}

	source, err := fs.ResolveDirectory(spec.SourcePath)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	spec.SourcePath = source

	if spec.DestinationRoot == "" {
		return errors.New("destination root is required")
	}
	dest, err := filepath.Abs(spec.DestinationRoot)
	if err != nil {
		return fmt.Errorf("resolving destination: %w", err)
	}
	spec.DestinationRoot = dest

	for _, pair := range [][2]string{{source, dest}, {dest, source}} {
		inside, err := fs.IsWithin(pair[0], pair[1])
		if err != nil {
			return fmt.Errorf("checking source and destination: %w", err)
		}
		if inside {
			return fmt.Errorf("source %s and destination %s must not contain each other", source, dest)
		}
	}

	if spec.Schedule != "" {
		if _, err := ParseSchedule(spec.Schedule); err != nil {
			return err
		}
	}
	spec.Excludes = fs.NormalizePatterns(spec.Excludes)
	return nil
}

func applySpec(job *Job, spec JobSpec) {
	job.Name = spec.Name
	job.SourcePath = spec.SourcePath
	job.DestinationRoot = spec.DestinationRoot
	job.Schedule = strings.TrimSpace(spec.Schedule)
	job.Excludes = spec.Excludes
	job.ExtraFlags = spec.ExtraFlags
	job.Retention = spec.Retention
}

// StartRun launches a run of the job in the background and returns its
// handle. The run is cancelled when ctx is. At most one run per job is in
// flight; a second trigger fails with ErrScheduleConflict.
func (e *Engine) StartRun(ctx context.Context, ref string, trigger Trigger) (*Run, error) {
	if err := e.corruption(); err != nil {
		return nil, err
	}
	job, err := e.GetJob(ref)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(e.idgen.New(), job, trigger, e.clock.Now().UTC(), cancel)
	if err := e.runs.claim(run); err != nil {
		cancel()
		e.hub.publish(ProgressEvent{Type: EventRunSkipped, RunID: run.ID, JobID: job.ID, Err: err.Error(), Time: e.clock.Now()})
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	if err := e.recoverJob(job); err != nil {
		cancel()
		e.releaseRun(run)
		run.finish(nil, err)
		return nil, err
	}

	e.logger.Info("run started", "job", job.Name, "run", run.ID, "trigger", trigger)
	go e.execute(runCtx, run, job)
	return run, nil
}

func (e *Engine) execute(ctx context.Context, run *Run, job *Job) {
	var (
		result *RunResult
		err    error
	)
	defer func() { run.finish(result, err) }()
	defer e.releaseRun(run)

	if acquireErr := e.sem.Acquire(ctx, 1); acquireErr != nil {
		err = fmt.Errorf("%w before start", ErrCancelled)
		return
	}
	defer e.sem.Release(1)

	result, err = e.executor.Execute(ctx, run.ID, job, func(s *Snapshot) { run.setSnapshotID(s.ID) }, e.hub.publish)

	finished := ProgressEvent{Type: EventRunFinished, RunID: run.ID, JobID: job.ID, Time: e.clock.Now()}
	if result != nil && result.Snapshot != nil {
		finished.SnapshotID = result.Snapshot.ID
		finished.SnapshotName = result.Snapshot.Name
		finished.Status = result.Snapshot.Status
		finished.Attempt = result.Attempts
	}
	if err != nil {
		finished.Err = err.Error()
	}
	e.hub.publish(finished)

	if err == nil && (job.Retention.Enabled() || job.Retention.PruneFailed) {
		e.prune(context.WithoutCancel(ctx), job)
	}
}

func (e *Engine) releaseRun(run *Run) {
	if err := e.runs.release(run); err != nil {
		e.logger.Warn("releasing run lease", "job", run.JobName, "run", run.ID, "error", err)
	}
}

func (e *Engine) prune(ctx context.Context, job *Job) {
	result, err := e.pruner.Prune(ctx, job, false)
	if err != nil {
		e.logger.Error("automatic prune failed", "job", job.Name, "error", err)
	}
	if result == nil {
		return
	}
	for _, s := range result.Deleted {
		e.hub.publish(ProgressEvent{Type: EventPruned, JobID: job.ID, SnapshotID: s.ID, SnapshotName: s.Name, Status: s.Status, Time: e.clock.Now()})
	}
}

// RunNow runs the job and waits for the result. Cancelling ctx cancels the
// run; RunNow still waits for the failed snapshot to be committed.
func (e *Engine) RunNow(ctx context.Context, ref string) (*RunResult, error) {
	run, err := e.StartRun(ctx, ref, TriggerManual)
	if err != nil {
		return nil, err
	}
	return run.Wait(context.WithoutCancel(ctx))
}

// Cancel cancels a run by ID. Cancelling a finished run is a no-op.
func (e *Engine) Cancel(runID string) error {
	run := e.runs.get(runID)
	if run == nil {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	run.Cancel()
	return nil
}

// ActiveRuns returns the runs currently in flight, oldest first.
func (e *Engine) ActiveRuns() []*Run {
	return e.runs.active()
}

// Subscribe streams progress events. Slow subscribers miss events rather
// than slowing runs down. Call the returned function to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	return e.hub.subscribe(buffer)
}

// ListSnapshots returns one page of a job's history, newest first.
func (e *Engine) ListSnapshots(ref string, limit, offset int) (*SnapshotPage, error) {
	job, err := e.GetJob(ref)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSnapshotPageSize
	}
	if offset < 0 {
		offset = 0
	}
	page, err := e.store.ListSnapshots(job.ID, Page{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return page, nil
}

// GetSnapshot finds a snapshot by ID or by "job/name".
func (e *Engine) GetSnapshot(ref string) (*Snapshot, error) {
	snap, err := e.store.FindSnapshot(ref)
	if err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if snap != nil {
		return snap, nil
	}
	if jobRef, name, ok := strings.Cut(ref, "/"); ok {
		job, err := e.GetJob(jobRef)
		if err != nil {
			return nil, err
		}
		snap, err = e.store.FindSnapshotByName(job.ID, name)
		if err != nil {
			return nil, fmt.Errorf("finding snapshot: %w", err)
		}
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, ref)
	}
	return snap, nil
}

// ListTree lists one directory level of a complete snapshot.
func (e *Engine) ListTree(snapshotID, relPath, after string, limit int) (*TreePage, error) {
	return e.restorer.ListTree(snapshotID, relPath, after, limit)
}

// Restore copies a file or directory out of a complete snapshot.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	return e.restorer.Restore(ctx, req)
}

// Prune applies the job's retention policy now.
func (e *Engine) Prune(ctx context.Context, ref string, dryRun bool) (*PruneResult, error) {
	job, err := e.GetJob(ref)
	if err != nil {
		return nil, err
	}
	result, err := e.pruner.Prune(ctx, job, dryRun)
	if err != nil {
		return result, err
	}
	if !dryRun {
		for _, s := range result.Deleted {
			e.hub.publish(ProgressEvent{Type: EventPruned, JobID: job.ID, SnapshotID: s.ID, SnapshotName: s.Name, Status: s.Status, Time: e.clock.Now()})
		}
	}
	return result, nil
}

// RebuildResult reports what Rebuild changed.
type RebuildResult struct {
	JobID    string
	Imported []string // snapshot directories recorded as complete
	Dropped  []string // complete records whose directory was gone
}

// Rebuild reconciles a job's snapshot records with its destination root.
// Timestamp-named directories without a record are imported as complete,
// and complete records without a directory are removed. Recorded
// directories keep their status. An unrecorded directory cannot be told
// apart from a partial one, so it is trusted. A successful rebuild clears
// a failed startup integrity check.
func (e *Engine) Rebuild(ctx context.Context, ref string) (*RebuildResult, error) {
	job, err := e.GetJob(ref)
	if err != nil {
		return nil, err
	}
	lease, err := e.runs.hold(job.ID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	defer lease.Release()
	if err := e.guard.Validate(ctx, job.DestinationRoot, job.ID); err != nil {
		return nil, err
	}
	if err := e.recoverJob(job); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(job.DestinationRoot)
	if err != nil {
		return nil, fmt.Errorf("scanning destination: %w", err)
	}
	onDisk := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, _, ok := ParseSnapshotName(entry.Name()); ok {
			onDisk[entry.Name()] = true
		}
	}

	snapshots, err := e.allSnapshots(job.ID)
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]*Snapshot, len(snapshots))
	for _, s := range snapshots {
		recorded[s.Name] = s
	}

	names := make([]string, 0, len(onDisk)+len(recorded))
	for name := range onDisk {
		names = append(names, name)
	}
	for name := range recorded {
		if !onDisk[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := &RebuildResult{JobID: job.ID}
	var prev *Snapshot
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		s, ok := recorded[name]
		switch {
		case ok && s.Status == StatusComplete && !onDisk[name]:
			if err := e.store.DeleteSnapshot(s.ID); err != nil {
				return result, fmt.Errorf("dropping record %s: %w", name, err)
			}
			result.Dropped = append(result.Dropped, name)
		case ok:
			if s.Status == StatusComplete {
				prev = s
			}
		default:
			imported, err := e.importSnapshot(job, name, prev)
			if err != nil {
				return result, err
			}
			result.Imported = append(result.Imported, name)
			prev = imported
		}
	}

	if e.corruption() != nil {
		if err := e.store.CheckIntegrity(); err == nil {
			e.setCorrupt(nil)
			e.logger.Info("metadata integrity restored by rebuild", "job", job.Name)
		}
	}
	e.logger.Info("rebuild complete", "job", job.Name, "imported", len(result.Imported), "dropped", len(result.Dropped))
	return result, nil
}

func (e *Engine) importSnapshot(job *Job, name string, prev *Snapshot) (*Snapshot, error) {
	createdAt, _, _ := ParseSnapshotName(name)
	s := &Snapshot{
		ID:        e.idgen.New(),
		JobID:     job.ID,
		Name:      name,
		Status:    StatusPending,
		CreatedAt: createdAt,
	}
	if prev != nil {
		s.PredecessorID = prev.ID
		s.PredecessorName = prev.Name
	}

	usage, err := fs.MeasureTree(s.Path(job.DestinationRoot))
	if err != nil {
		return nil, fmt.Errorf("measuring %s: %w", name, err)
	}
	if err := e.store.InsertPendingSnapshot(s); err != nil {
		return nil, fmt.Errorf("importing %s: %w", name, err)
	}
	err = e.store.CommitSnapshot(s.ID, Outcome{
		Status:     StatusComplete,
		Stats:      Stats{FilesTotal: usage.Entries, TotalSize: usage.Bytes},
		FinishedAt: e.clock.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", name, err)
	}
	s.Status = StatusComplete
	return s, nil
}

func (e *Engine) allSnapshots(jobID string) ([]*Snapshot, error) {
	page, err := e.store.ListSnapshots(jobID, Page{})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return page.Snapshots, nil
}

// StartScheduler recovers runs abandoned by dead processes and begins
// firing scheduled runs. It refuses while the metadata store has failed its
// integrity check.
func (e *Engine) StartScheduler(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}
	return e.scheduler.Start(ctx)
}

// Shutdown stops the scheduler and waits for in-flight runs, cancelling
// them first when configured to.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.scheduler.Stop(ctx); err != nil {
		return err
	}
	active := e.runs.active()
	if e.opts.CancelOnShutdown {
		for _, run := range active {
			e.logger.Warn("cancelling run for shutdown", "job", run.JobName, "run", run.ID)
			run.Cancel()
		}
	} else if len(active) > 0 {
		e.logger.Info("waiting for in-flight runs", "count", len(active))
	}
	return e.runs.wait(ctx)
}
