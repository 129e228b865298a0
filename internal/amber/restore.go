package amber

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	amberfs "amber-go/internal/fs"
)

const defaultTreeLimit = 1000

// EntryType classifies a TreeEntry.
type EntryType string

const (
	EntryFile    EntryType = "file"
	EntryDir     EntryType = "dir"
	EntrySymlink EntryType = "symlink"
	EntryOther   EntryType = "other"
)

// TreeEntry is one item in a snapshot directory listing.
type TreeEntry struct {
	Name       string
	Path       string // relative to the snapshot root
	Type       EntryType
	Size       int64
	Mode       fs.FileMode
	ModTime    time.Time
	LinkTarget string
	Links      uint64 // hard-link count; >1 means the file is shared with other snapshots
}

// TreePage is one page of a directory listing. Pass Next as the after
// cursor to continue; it is empty on the last page.
type TreePage struct {
	SnapshotID string
	Path       string
	Entries    []TreeEntry
	Next       string
}

// RestoreRequest selects what to restore and where.
type RestoreRequest struct {
	SnapshotID string
	Path       string // relative to the snapshot root; empty restores the whole snapshot
	Target     string // existing or new directory receiving base(Path)
	DryRun     bool
	Overwrite  bool
}

// RestoreResult reports a restore, or what a dry run would have done.
type RestoreResult struct {
	SnapshotID  string
	Source      string
	Destination string
	DryRun      bool
	Items       []amberfs.CopyItem
	Files       int64
	Bytes       int64
	Skipped     []string
}

// Restorer browses snapshots and copies their contents back out.
type Restorer struct {
	store  MetadataStore
	logger Logger
}

// NewRestorer creates a Restorer.
func NewRestorer(store MetadataStore, logger Logger) *Restorer {
	return &Restorer{store: store, logger: logger}
}

// ListTree lists one directory level of a complete snapshot, sorted by name.
// Entries with names greater than after are returned, at most limit of them.
func (r *Restorer) ListTree(snapshotID, relPath, after string, limit int) (*TreePage, error) {
	snap, job, err := r.completeSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultTreeLimit
	}

	dir, err := amberfs.ResolveWithin(snap.Path(job.DestinationRoot), relPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	info, err := os.Lstat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in snapshot %s", ErrNotFound, relPath, snap.Name)
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	// Symlinked directories are listed as entries, never entered.
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory in snapshot %s", ErrInvalidPath, relPath, snap.Name)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	page := &TreePage{SnapshotID: snap.ID, Path: filepath.Clean(relPath)}
	for _, entry := range entries {
		if entry.Name() <= after {
			continue
		}
		if len(page.Entries) == limit {
			page.Next = page.Entries[len(page.Entries)-1].Name
			break
		}
		te, err := describe(dir, relPath, entry)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, te)
	}
	return page, nil
}

func describe(dir, relDir string, entry os.DirEntry) (TreeEntry, error) {
	info, err := entry.Info()
	if err != nil {
		return TreeEntry{}, fmt.Errorf("stat %s: %w", entry.Name(), err)
	}
	te := TreeEntry{
		Name:    entry.Name(),
		Path:    filepath.Join(relDir, entry.Name()),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
	}
	switch mode := info.Mode(); {
	case mode.IsDir():
		te.Type = EntryDir
	case mode.IsRegular():
		te.Type = EntryFile
		te.Size = info.Size()
	case mode&fs.ModeSymlink != 0:
		te.Type = EntrySymlink
		te.LinkTarget, _ = os.Readlink(filepath.Join(dir, entry.Name()))
	default:
		te.Type = EntryOther
	}
	if stat, err := amberfs.ExtractStatData(info); err == nil {
		te.Links = stat.Nlink
	}
	return te, nil
}

// Restore copies a file or directory out of a complete snapshot into
// req.Target. It never writes into a managed destination root and never
// replaces existing files unless req.Overwrite is set.
func (r *Restorer) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	snap, job, err := r.completeSnapshot(req.SnapshotID)
	if err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, fmt.Errorf("restore target is required")
	}

	src, err := amberfs.ResolveWithin(snap.Path(job.DestinationRoot), req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if _, err := os.Lstat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in snapshot %s", ErrNotFound, req.Path, snap.Name)
		}
		return nil, fmt.Errorf("stat %s: %w", src, err)
	}

	target, err := filepath.Abs(req.Target)
	if err != nil {
		return nil, fmt.Errorf("resolving restore target: %w", err)
	}
	dst := filepath.Join(target, filepath.Base(src))

	if err := r.checkOutsideDestinations(dst); err != nil {
		return nil, err
	}

	plan, err := amberfs.PlanCopy(src, dst)
	if err != nil {
		return nil, fmt.Errorf("planning restore: %w", err)
	}

	result := &RestoreResult{
		SnapshotID:  snap.ID,
		Source:      src,
		Destination: dst,
		DryRun:      req.DryRun,
		Items:       plan.Items,
		Bytes:       plan.Bytes,
	}
	for _, item := range plan.Items {
		if item.Mode.IsRegular() {
			result.Files++
		}
	}

	if conflicts := plan.Conflicts(); len(conflicts) > 0 && !req.Overwrite {
		return result, fmt.Errorf("%w: %s", ErrTargetExists, summarizePaths(dst, conflicts))
	}
	if req.DryRun {
		return result, nil
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("creating restore target: %w", err)
	}

	r.logger.Info("restoring", "snapshot", snap.Name, "path", req.Path, "destination", dst)
	stats, err := amberfs.CopyTree(ctx, src, dst, req.Overwrite)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: restore of %s", ErrCancelled, snap.Name)
		}
		return nil, fmt.Errorf("restoring %s: %w", snap.Name, err)
	}
	result.Files = stats.Files
	result.Bytes = stats.Bytes
	result.Skipped = stats.Skipped
	r.logger.Info("restore complete", "snapshot", snap.Name, "files", stats.Files, "bytes", stats.Bytes)
	return result, nil
}

func (r *Restorer) completeSnapshot(snapshotID string) (*Snapshot, *Job, error) {
	snap, err := r.store.FindSnapshot(snapshotID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if snap == nil {
		return nil, nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, snapshotID)
	}
	if snap.Status != StatusComplete {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrSnapshotNotComplete, snap.Name, snap.Status)
	}
	job, err := r.store.FindJob(snap.JobID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding job: %w", err)
	}
	if job == nil {
		return nil, nil, fmt.Errorf("%w: job %s", ErrNotFound, snap.JobID)
	}
	return snap, job, nil
}

func (r *Restorer) checkOutsideDestinations(dst string) error {
	jobs, err := r.store.ListJobs()
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	for _, job := range jobs {
		inside, err := amberfs.IsWithin(job.DestinationRoot, dst)
		if err != nil {
			return fmt.Errorf("checking restore target: %w", err)
		}
		if inside {
			return fmt.Errorf("%w: %s is under %s", ErrRestoreIntoDestination, dst, job.DestinationRoot)
		}
	}
	return nil
}

func summarizePaths(root string, rels []string) string {
	const shown = 3
	paths := make([]string, 0, shown)
	for i, rel := range rels {
		if i == shown {
			break
		}
		paths = append(paths, filepath.Join(root, rel))
	}
	s := strings.Join(paths, ", ")
	if len(rels) > shown {
		s += fmt.Sprintf(" and %d more", len(rels)-shown)
	}
	return s
}
