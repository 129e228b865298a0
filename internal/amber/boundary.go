package amber

import (
	"context"
	"time"
)

// DestinationGuard checks that a destination root is the intended, mounted
// target before anything is written under it.
type DestinationGuard interface {
	// Validate performs an uncached check of root against the marker identity.
	// Failures are reported as *DestinationError.
	Validate(ctx context.Context, root, identity string) error

	// Adopt writes the marker for identity at root. It is a no-op when the
	// marker already carries identity and fails with ErrWrongIdentity when it
	// carries another one.
	Adopt(ctx context.Context, root, identity, jobName string) error

	// Identity returns the identity recorded in root's marker, or "" when
	// there is no marker.
	Identity(ctx context.Context, root string) (string, error)

	// Release removes root's marker if it carries identity.
	Release(ctx context.Context, root, identity string) error
}

// RunLocks hands out per-job run leases. A lease is held for the whole of
// a run or a maintenance operation on the job, and is seen by every engine
// sharing the metadata store.
type RunLocks interface {
	// TryLock takes the lease for jobID without waiting. While another holder
	// has it, the error matches ErrScheduleConflict.
	TryLock(jobID string) (RunLease, error)
}

// RunLease is a held run lease.
type RunLease interface {
	Release() error
}

// Outcome classes reported by a SyncTool.
type ToolOutcome int

const (
	ToolSuccess ToolOutcome = iota
	ToolPartial
	ToolTransient
	ToolFatal
	ToolInterrupted
)

func (o ToolOutcome) String() string {
	switch o {
	case ToolSuccess:
		return "success"
	case ToolPartial:
		return "partial"
	case ToolTransient:
		return "transient"
	case ToolFatal:
		return "fatal"
	case ToolInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// SyncResult is the terminal report of one sync tool invocation.
type SyncResult struct {
	Outcome     ToolOutcome
	ExitCode    int
	Stats       Stats
	FailedPaths []string // relative to the source root
	Diagnostics string   // tail of the tool's error output
}

// SyncTool runs the external synchronization process for a plan.
// Progress is reported through emit in order; emit never blocks.
// A non-nil error means the tool could not be run at all.
type SyncTool interface {
	Sync(ctx context.Context, plan *SyncPlan, emit func(ProgressEvent)) (*SyncResult, error)
}

// EventType distinguishes progress events.
type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventFile        EventType = "file"
	EventRetry       EventType = "retry"
	EventRunFinished EventType = "run_finished"
	EventRunSkipped  EventType = "run_skipped"
	EventPruned      EventType = "pruned"
)

// ProgressEvent is streamed to collaborators while a run is active.
type ProgressEvent struct {
	Type             EventType
	RunID            string
	JobID            string
	SnapshotID       string
	SnapshotName     string
	File             string
	BytesTransferred int64 // cumulative for the current attempt
	Attempt          int
	Status           Status
	Err              string
	Time             time.Time
}
