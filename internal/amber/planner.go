package amber

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"amber-go/internal/fs"
)

// SnapshotTimeFormat names snapshot directories. Names sort lexicographically
// in creation order.
const SnapshotTimeFormat = "2006-01-02-150405"

const (
	maxNameSuffix       = 999
	defaultMaxClockSkew = 24 * time.Hour
)

// PlannerOptions are engine-wide defaults folded into every plan.
type PlannerOptions struct {
	DefaultExcludes []string
	DefaultFlags    []string
	MaxClockSkew    time.Duration
}

// Planner computes the identity and hard-link predecessor of the next snapshot.
// It only reads the metadata store; it never touches the destination.
type Planner struct {
	store MetadataStore
	clock Clock
	idgen IDGenerator
	opts  PlannerOptions
}

// NewPlanner creates a Planner.
func NewPlanner(store MetadataStore, clock Clock, idgen IDGenerator, opts PlannerOptions) *Planner {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = defaultMaxClockSkew
	}
	return &Planner{store: store, clock: clock, idgen: idgen, opts: opts}
}

// Plan returns the sync plan for the next snapshot of job.
func (p *Planner) Plan(job *Job) (*SyncPlan, error) {
	now := p.clock.Now().UTC()

	name, err := p.nextName(job.ID, now)
	if err != nil {
		return nil, err
	}

	plan := &SyncPlan{
		JobID:           job.ID,
		SnapshotID:      p.idgen.New(),
		SnapshotName:    name,
		SourcePath:      withTrailingSeparator(job.SourcePath),
		DestinationRoot: filepath.Clean(job.DestinationRoot),
		DestinationPath: filepath.Join(job.DestinationRoot, name),
		Excludes:        fs.NormalizePatterns(append(append([]string{}, p.opts.DefaultExcludes...), job.Excludes...)),
		ExtraFlags:      append(append([]string{}, p.opts.DefaultFlags...), job.ExtraFlags...),
		CreatedAt:       now,
	}

	// Only a complete snapshot may serve as link-dest.
	latest, err := p.store.LatestCompleteSnapshot(job.ID)
	if err != nil {
		return nil, fmt.Errorf("finding latest complete snapshot: %w", err)
	}
	if latest != nil {
		plan.PredecessorID = latest.ID
		plan.PredecessorName = latest.Name
		plan.PredecessorPath = latest.Path(job.DestinationRoot)
	}

	return plan, nil
}

// nextName returns a timestamp name strictly greater than every existing
// snapshot name of the job. Same-second collisions and small backward clock
// steps are resolved with a zero-padded suffix on the newest stem.
func (p *Planner) nextName(jobID string, now time.Time) (string, error) {
	base := now.Format(SnapshotTimeFormat)

	latest, err := p.store.LatestSnapshotName(jobID)
	if err != nil {
		return "", fmt.Errorf("finding latest snapshot name: %w", err)
	}
	if latest == "" || base > latest {
		return base, nil
	}

	stemTime, seq, ok := ParseSnapshotName(latest)
	if !ok {
		return "", fmt.Errorf("%w: newest snapshot name %q is not a timestamp", ErrClockAnomaly, latest)
	}
	if skew := stemTime.Sub(now); skew > p.opts.MaxClockSkew {
		return "", fmt.Errorf("%w: clock is %s behind snapshot %s", ErrClockAnomaly, skew.Round(time.Second), latest)
	}
	if seq >= maxNameSuffix {
		return "", fmt.Errorf("%w: no free name after %s", ErrClockAnomaly, latest)
	}
	return fmt.Sprintf("%s-%03d", stemTime.Format(SnapshotTimeFormat), seq+1), nil
}

// ParseSnapshotName splits a snapshot directory name into its timestamp and
// collision suffix (0 when absent).
func ParseSnapshotName(name string) (time.Time, int, bool) {
	stemLen := len(SnapshotTimeFormat)
	if len(name) < stemLen {
		return time.Time{}, 0, false
	}
	t, err := time.Parse(SnapshotTimeFormat, name[:stemLen])
	if err != nil {
		return time.Time{}, 0, false
	}
	rest := name[stemLen:]
	if rest == "" {
		return t, 0, true
	}
	if len(rest) != 4 || rest[0] != '-' {
		return time.Time{}, 0, false
	}
	seq, err := strconv.Atoi(rest[1:])
	if err != nil || seq <= 0 {
		return time.Time{}, 0, false
	}
	return t, seq, true
}

func withTrailingSeparator(path string) string {
	cleaned := filepath.Clean(path)
	if strings.HasSuffix(cleaned, string(filepath.Separator)) {
		return cleaned
	}
	return cleaned + string(filepath.Separator)
}
