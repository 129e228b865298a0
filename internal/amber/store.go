package amber

import "time"

// MetadataStore is the durable record of jobs and snapshots.
// Every mutation is transactional: a concurrent reader never observes a
// partially applied change. Lookups return (nil, nil) when nothing matches.
type MetadataStore interface {
	// Job operations

	CreateJob(job *Job) error
	UpdateJob(job *Job) error

	// DeleteJob removes the job and, by cascade, all of its snapshot rows.
	DeleteJob(jobID string) error

	FindJob(jobID string) (*Job, error)
	FindJobByName(name string) (*Job, error)
	ListJobs() ([]*Job, error)

	// RecordJobRun persists the time a run was last triggered for a job.
	RecordJobRun(jobID string, at time.Time) error

	// Snapshot operations

	// InsertPendingSnapshot creates a snapshot row in the pending state.
	InsertPendingSnapshot(snapshot *Snapshot) error

	// MarkSnapshotRunning moves a pending snapshot to running.
	MarkSnapshotRunning(snapshotID string, attempt int) error

	// CommitSnapshot moves a pending or running snapshot to complete or failed.
	// It succeeds at most once per snapshot; later calls return ErrAlreadyFinalized.
	CommitSnapshot(snapshotID string, outcome Outcome) error

	FindSnapshot(snapshotID string) (*Snapshot, error)
	FindSnapshotByName(jobID, name string) (*Snapshot, error)

	// LatestCompleteSnapshot returns the newest complete snapshot of a job.
	LatestCompleteSnapshot(jobID string) (*Snapshot, error)

	// LatestSnapshotName returns the greatest snapshot name of a job in any status.
	LatestSnapshotName(jobID string) (string, error)

	// ListSnapshots returns one page of a job's history, newest first.
	// A zero Limit returns every snapshot from Offset on.
	ListSnapshots(jobID string, page Page) (*SnapshotPage, error)

	// ListSnapshotsByStatus returns all snapshots of a job with the given status, newest first.
	ListSnapshotsByStatus(jobID string, status Status) ([]*Snapshot, error)

	// HasInFlightSuccessor reports whether a pending or running snapshot uses
	// snapshotID as its predecessor.
	HasInFlightSuccessor(snapshotID string) (bool, error)

	// DeleteSnapshot removes a snapshot row. Only the pruner calls this, after
	// the snapshot directory has been removed.
	DeleteSnapshot(snapshotID string) error

	// FailUnfinishedSnapshots marks the job's pending and running rows as
	// failed. Called only while holding the job's run lease.
	FailUnfinishedSnapshots(jobID string, outcome Outcome) ([]*Snapshot, error)

	// CheckIntegrity verifies the store is readable and internally consistent.
	CheckIntegrity() error

	Close() error
}
