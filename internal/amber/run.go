package amber

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Run is a handle on one in-flight or finished execution of a job.
type Run struct {
	ID        string
	JobID     string
	JobName   string
	Trigger   Trigger
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	snapshotID string
	result     *RunResult
	err        error
}

func newRun(id string, job *Job, trigger Trigger, startedAt time.Time, cancel context.CancelFunc) *Run {
	return &Run{
		ID:        id,
		JobID:     job.ID,
		JobName:   job.Name,
		Trigger:   trigger,
		StartedAt: startedAt,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Cancel asks the run to stop. Cancelling a finished run is a no-op.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the run has finished and its snapshot is committed.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// SnapshotID returns the snapshot being produced, or "" before one exists.
func (r *Run) SnapshotID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotID
}

func (r *Run) setSnapshotID(id string) {
	r.mu.Lock()
	r.snapshotID = id
	r.mu.Unlock()
}

func (r *Run) finish(result *RunResult, err error) {
	r.mu.Lock()
	r.result = result
	r.err = err
	r.mu.Unlock()
	r.cancel()
	close(r.done)
}

// maxFinishedRuns bounds how many finished runs stay addressable by ID.
const maxFinishedRuns = 256

// runRegistry enforces at most one in-flight run per job. Within the
// engine it tracks runs by job; across engines it holds the job's lease for
// as long as the run lasts. Finished runs stay addressable for a while so
// late cancels are no-ops, not errors.
type runRegistry struct {
	locks    RunLocks
	mu       sync.Mutex
	byJob    map[string]*Run
	byID     map[string]*Run
	leases   map[string]RunLease
	finished []string
	wg       sync.WaitGroup
}

func newRunRegistry(locks RunLocks) *runRegistry {
	if locks == nil {
		locks = newProcessLocks()
	}
	return &runRegistry{
		locks:  locks,
		byJob:  make(map[string]*Run),
		byID:   make(map[string]*Run),
		leases: make(map[string]RunLease),
	}
}

// claim registers run as the job's active run and takes the job's lease.
// It fails with ErrScheduleConflict when either is already taken.
func (r *runRegistry) claim(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byJob[run.JobID]; busy {
		return ErrScheduleConflict
	}
	lease, err := r.locks.TryLock(run.JobID)
	if err != nil {
		return err
	}
	r.byJob[run.JobID] = run
	r.byID[run.ID] = run
	r.leases[run.JobID] = lease
	r.wg.Add(1)
	return nil
}

// release ends run's claim and drops the job's lease.
func (r *runRegistry) release(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.byJob[run.JobID] == run {
		delete(r.byJob, run.JobID)
		if lease := r.leases[run.JobID]; lease != nil {
			err = lease.Release()
			delete(r.leases, run.JobID)
		}
	}
	r.finished = append(r.finished, run.ID)
	if len(r.finished) > maxFinishedRuns {
		delete(r.byID, r.finished[0])
		r.finished = r.finished[1:]
	}
	r.wg.Done()
	return err
}

// hold takes the job's lease for an operation other than a run, such as
// deleting the job. It fails with ErrJobBusy while a run holds the job.
func (r *runRegistry) hold(jobID string) (RunLease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byJob[jobID]; busy {
		return nil, ErrJobBusy
	}
	lease, err := r.locks.TryLock(jobID)
	if errors.Is(err, ErrScheduleConflict) {
		return nil, fmt.Errorf("%w: %v", ErrJobBusy, err)
	}
	return lease, err
}

func (r *runRegistry) get(runID string) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[runID]
}

// active returns the in-flight runs, oldest first.
func (r *runRegistry) active() []*Run {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.byJob))
	for _, run := range r.byJob {
		runs = append(runs, run)
	}
	r.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs
}

// wait blocks until every claimed run has been released or ctx is done.
func (r *runRegistry) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processLocks keeps leases inside one engine. It is the default when no
// shared RunLocks is configured.
type processLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newProcessLocks() *processLocks {
	return &processLocks{held: make(map[string]bool)}
}

func (p *processLocks) TryLock(jobID string) (RunLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held[jobID] {
		return nil, ErrScheduleConflict
	}
	p.held[jobID] = true
	return &processLease{locks: p, jobID: jobID}, nil
}

type processLease struct {
	locks *processLocks
	jobID string
	once  sync.Once
}

func (l *processLease) Release() error {
	l.once.Do(func() {
		l.locks.mu.Lock()
		delete(l.locks.held, l.jobID)
		l.locks.mu.Unlock()
	})
	return nil
}

// progressHub fans progress events out to subscribers without ever blocking
// the publishing run. Slow subscribers lose events.
type progressHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan ProgressEvent
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[int]chan ProgressEvent)}
}

func (h *progressHub) subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ProgressEvent, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *progressHub) publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
