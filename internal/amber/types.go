package amber

import (
	"path/filepath"
	"time"
)

// Status is the lifecycle state of a snapshot.
// Transitions: pending -> running -> {complete, failed}. Pending may also go
// straight to failed when a run is abandoned before the sync tool starts.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusComplete || s == StatusFailed
}

// RetentionPolicy decides which complete snapshots of a job are kept.
// Rules are evaluated newest first; a zero policy keeps everything.
type RetentionPolicy struct {
	KeepLast    int  `json:"keep_last,omitempty" toml:"keep_last"`
	KeepHourly  int  `json:"keep_hourly,omitempty" toml:"keep_hourly"`
	KeepDaily   int  `json:"keep_daily,omitempty" toml:"keep_daily"`
	KeepWeekly  int  `json:"keep_weekly,omitempty" toml:"keep_weekly"`
	KeepMonthly int  `json:"keep_monthly,omitempty" toml:"keep_monthly"`
	KeepYearly  int  `json:"keep_yearly,omitempty" toml:"keep_yearly"`
	PruneFailed bool `json:"prune_failed,omitempty" toml:"prune_failed"`
}

// Enabled reports whether any keep rule is set.
func (p RetentionPolicy) Enabled() bool {
	return p.KeepLast > 0 || p.KeepHourly > 0 || p.KeepDaily > 0 ||
		p.KeepWeekly > 0 || p.KeepMonthly > 0 || p.KeepYearly > 0
}

// Job is a configured backup: one source, one destination root, one history.
type Job struct {
	ID              string
	Name            string
	SourcePath      string
	DestinationRoot string
	Schedule        string // cron expression; empty means manual only
	Excludes        []string
	ExtraFlags      []string
	Retention       RetentionPolicy
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRunAt       time.Time // zero if never triggered
}

// JobSpec holds the user-editable fields of a Job.
type JobSpec struct {
	Name            string
	SourcePath      string
	DestinationRoot string
	Schedule        string
	Excludes        []string
	ExtraFlags      []string
	Retention       RetentionPolicy
}

// Stats are the transfer statistics reported by the sync tool.
type Stats struct {
	BytesSent    int64 // file data actually copied; hard-linked files do not count
	FilesChanged int64 // regular files transferred
	FilesTotal   int64 // entries in the snapshot tree
	TotalSize    int64 // logical size of the snapshot tree
}

// Snapshot is one point-in-time directory under a job's destination root.
type Snapshot struct {
	ID              string
	JobID           string
	Name            string
	Status          Status
	PredecessorID   string // empty only for the first complete snapshot of a job
	PredecessorName string
	CreatedAt       time.Time
	FinishedAt      time.Time
	Stats           Stats
	FailedPaths     []string
	ErrorKind       ErrorKind
	ErrorMessage    string
	ExitCode        *int
	Attempts        int
}

// HasWarnings reports whether a complete snapshot finished with per-file failures.
func (s *Snapshot) HasWarnings() bool {
	return s.Status == StatusComplete && len(s.FailedPaths) > 0
}

// Path returns the snapshot's directory under root.
func (s *Snapshot) Path(root string) string {
	return filepath.Join(root, s.Name)
}

// Outcome is the terminal state committed for a snapshot.
type Outcome struct {
	Status       Status
	Stats        Stats
	FailedPaths  []string
	ErrorKind    ErrorKind
	ErrorMessage string
	ExitCode     *int
	Attempts     int
	FinishedAt   time.Time
}

// SyncPlan is everything the sync tool needs to produce one snapshot.
type SyncPlan struct {
	JobID           string
	SnapshotID      string
	SnapshotName    string
	SourcePath      string // always ends with a separator so the tool copies contents
	DestinationRoot string
	DestinationPath string
	PredecessorID   string
	PredecessorName string
	PredecessorPath string // empty for a full copy
	Excludes        []string
	ExtraFlags      []string
	CreatedAt       time.Time
}

// HasPredecessor reports whether unchanged files will be hard-linked.
func (p *SyncPlan) HasPredecessor() bool {
	return p.PredecessorPath != ""
}

// Trigger records why a run started.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// RunResult is returned when a run finishes, successfully or not.
type RunResult struct {
	RunID    string
	JobID    string
	Snapshot *Snapshot // nil when the run aborted before a row was created
	Attempts int
}

// Page selects a window of snapshot history, newest first.
type Page struct {
	Limit  int
	Offset int
}

// SnapshotPage is one page of snapshot history.
type SnapshotPage struct {
	Snapshots []*Snapshot
	Total     int
	Page      Page
}

// HasMore reports whether later pages exist.
func (p *SnapshotPage) HasMore() bool {
	return p.Page.Offset+len(p.Snapshots) < p.Total
}
