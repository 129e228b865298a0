package amber

import (
	"context"
	"fmt"
	"sort"

	"amber-go/internal/fs"
)

const (
	hourKeyFormat  = "2006-01-02-15"
	dayKeyFormat   = "2006-01-02"
	monthKeyFormat = "2006-01"
	yearKeyFormat  = "2006"
)

// SelectForDeletion applies policy to a job's complete snapshots and returns
// those not kept by any rule, newest first. The newest snapshot is always
// kept. A policy with no keep rules selects nothing.
func SelectForDeletion(policy RetentionPolicy, completes []*Snapshot) []*Snapshot {
	if !policy.Enabled() || len(completes) == 0 {
		return nil
	}

	sorted := make([]*Snapshot, len(completes))
	copy(sorted, completes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name > sorted[j].Name })

	keep := make(map[string]bool, len(sorted))
	keep[sorted[0].ID] = true

	savedHourly := make(map[string]bool)
	savedDaily := make(map[string]bool)
	savedWeekly := make(map[string]bool)
	savedMonthly := make(map[string]bool)
	savedYearly := make(map[string]bool)

	for i, s := range sorted {
		if i < policy.KeepLast {
			keep[s.ID] = true
			continue
		}

		// Shortest period first. A snapshot kept by one rule is not counted
		// against the longer ones.
		ts := s.CreatedAt.UTC()

		hourKey := ts.Format(hourKeyFormat)
		if policy.KeepHourly > 0 && len(savedHourly) < policy.KeepHourly && !savedHourly[hourKey] {
			keep[s.ID] = true
			savedHourly[hourKey] = true
			continue
		}

		dayKey := ts.Format(dayKeyFormat)
		if policy.KeepDaily > 0 && len(savedDaily) < policy.KeepDaily && !savedDaily[dayKey] {
			keep[s.ID] = true
			savedDaily[dayKey] = true
			continue
		}

		year, week := ts.ISOWeek()
		weekKey := fmt.Sprintf("%d-W%02d", year, week)
		if policy.KeepWeekly > 0 && len(savedWeekly) < policy.KeepWeekly && !savedWeekly[weekKey] {
			keep[s.ID] = true
			savedWeekly[weekKey] = true
			continue
		}

		monthKey := ts.Format(monthKeyFormat)
		if policy.KeepMonthly > 0 && len(savedMonthly) < policy.KeepMonthly && !savedMonthly[monthKey] {
			keep[s.ID] = true
			savedMonthly[monthKey] = true
			continue
		}

		yearKey := ts.Format(yearKeyFormat)
		if policy.KeepYearly > 0 && len(savedYearly) < policy.KeepYearly && !savedYearly[yearKey] {
			keep[s.ID] = true
			savedYearly[yearKey] = true
		}
	}

	var victims []*Snapshot
	for _, s := range sorted {
		if !keep[s.ID] {
			victims = append(victims, s)
		}
	}
	return victims
}

// PruneResult reports what a prune pass removed, or would remove on a dry run.
type PruneResult struct {
	JobID   string
	DryRun  bool
	Deleted []*Snapshot
	// Skipped snapshots were selected but are the predecessor of an in-flight run.
	Skipped []*Snapshot
}

// Pruner removes snapshots that fall outside a job's retention policy.
type Pruner struct {
	store  MetadataStore
	guard  DestinationGuard
	logger Logger
}

// NewPruner creates a Pruner.
func NewPruner(store MetadataStore, guard DestinationGuard, logger Logger) *Pruner {
	return &Pruner{store: store, guard: guard, logger: logger}
}

// Prune applies job's retention policy. Directories are removed before their
// rows, so a crash in between leaves a row pointing at a missing directory
// rather than an untracked directory.
func (p *Pruner) Prune(ctx context.Context, job *Job, dryRun bool) (*PruneResult, error) {
	result := &PruneResult{JobID: job.ID, DryRun: dryRun}
	policy := job.Retention
	if !policy.Enabled() && !policy.PruneFailed {
		return result, nil
	}

	if err := p.guard.Validate(ctx, job.DestinationRoot, job.ID); err != nil {
		return nil, err
	}

	completes, err := p.store.ListSnapshotsByStatus(job.ID, StatusComplete)
	if err != nil {
		return nil, fmt.Errorf("listing complete snapshots: %w", err)
	}
	victims := SelectForDeletion(policy, completes)

	if policy.PruneFailed && len(completes) > 0 {
		failed, err := p.store.ListSnapshotsByStatus(job.ID, StatusFailed)
		if err != nil {
			return nil, fmt.Errorf("listing failed snapshots: %w", err)
		}
		newest := newestName(completes)
		for _, s := range failed {
			if s.Name < newest {
				victims = append(victims, s)
			}
		}
	}

	latest, err := p.store.LatestCompleteSnapshot(job.ID)
	if err != nil {
		return nil, fmt.Errorf("finding latest complete snapshot: %w", err)
	}

	for _, s := range victims {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if latest != nil && s.ID == latest.ID {
			continue
		}

		busy, err := p.store.HasInFlightSuccessor(s.ID)
		if err != nil {
			return result, fmt.Errorf("checking successors of %s: %w", s.Name, err)
		}
		if busy {
			p.logger.Info("keeping snapshot used by an in-flight run", "job", job.Name, "snapshot", s.Name)
			result.Skipped = append(result.Skipped, s)
			continue
		}

		if dryRun {
			result.Deleted = append(result.Deleted, s)
			continue
		}

		if err := fs.RemoveTree(s.Path(job.DestinationRoot)); err != nil {
			return result, fmt.Errorf("removing snapshot %s: %w", s.Name, err)
		}
		if err := p.store.DeleteSnapshot(s.ID); err != nil {
			return result, fmt.Errorf("deleting snapshot record %s: %w", s.Name, err)
		}
		p.logger.Info("pruned snapshot", "job", job.Name, "snapshot", s.Name, "status", s.Status)
		result.Deleted = append(result.Deleted, s)
	}

	return result, nil
}

func newestName(snapshots []*Snapshot) string {
	var newest string
	for _, s := range snapshots {
		if s.Name > newest {
			newest = s.Name
		}
	}
	return newest
}
