package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"amber-go/internal/amber"
	amberfs "amber-go/internal/fs"
)

// FakeStep scripts the result of one Sync call.
type FakeStep struct {
	Outcome     amber.ToolOutcome
	ExitCode    int
	FailedPaths []string
	Err         error // returned as "could not run the tool"
	Block       bool  // wait for cancellation or Unblock before finishing
}

// FakeSyncTool is an in-process SyncTool with rsync's --link-dest
// semantics: files whose size and mtime match the predecessor are
// hard-linked, everything else is copied. Scripted steps are consumed in
// order; once they run out every call succeeds.
type FakeSyncTool struct {
	mu      sync.Mutex
	steps   []FakeStep
	plans   []*amber.SyncPlan
	unblock chan struct{}

	// Started receives each plan as its sync begins. Sends never block.
	Started chan *amber.SyncPlan
}

// NewFakeSyncTool creates a FakeSyncTool that plays steps first.
func NewFakeSyncTool(steps ...FakeStep) *FakeSyncTool {
	return &FakeSyncTool{
		steps:   steps,
		unblock: make(chan struct{}),
		Started: make(chan *amber.SyncPlan, 64),
	}
}

// Script appends steps.
func (f *FakeSyncTool) Script(steps ...FakeStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

// Unblock releases every blocked call, which then completes normally.
func (f *FakeSyncTool) Unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.unblock:
	default:
		close(f.unblock)
	}
}

// Plans returns the plans passed to Sync so far.
func (f *FakeSyncTool) Plans() []*amber.SyncPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*amber.SyncPlan(nil), f.plans...)
}

func (f *FakeSyncTool) next(plan *amber.SyncPlan) (FakeStep, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, plan)
	if len(f.steps) == 0 {
		return FakeStep{}, false
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step, true
}

func (f *FakeSyncTool) Sync(ctx context.Context, plan *amber.SyncPlan, emit func(amber.ProgressEvent)) (*amber.SyncResult, error) {
	step, scripted := f.next(plan)
	select {
	case f.Started <- plan:
	default:
	}

	if step.Err != nil {
		return nil, step.Err
	}
	if step.Block {
		select {
		case <-ctx.Done():
			return &amber.SyncResult{Outcome: amber.ToolInterrupted, ExitCode: 20, Diagnostics: "received SIGTERM"}, nil
		case <-f.unblock:
		}
	}
	if scripted && (step.Outcome == amber.ToolTransient || step.Outcome == amber.ToolFatal) {
		return &amber.SyncResult{Outcome: step.Outcome, ExitCode: step.ExitCode,
			Diagnostics: fmt.Sprintf("scripted failure (code %d)", step.ExitCode)}, nil
	}

	stats, err := linkDestCopy(ctx, plan, emit)
	if ctx.Err() != nil {
		return &amber.SyncResult{Outcome: amber.ToolInterrupted, ExitCode: 20, Stats: stats}, nil
	}
	if err != nil {
		return &amber.SyncResult{Outcome: amber.ToolFatal, ExitCode: 11, Stats: stats, Diagnostics: err.Error()}, nil
	}

	result := &amber.SyncResult{Outcome: amber.ToolSuccess, Stats: stats}
	if scripted && step.Outcome == amber.ToolPartial {
		result.Outcome = amber.ToolPartial
		result.ExitCode = step.ExitCode
		result.FailedPaths = step.FailedPaths
	}
	return result, nil
}

// linkDestCopy builds plan.DestinationPath from the source, hard-linking
// unchanged regular files from the predecessor.
func linkDestCopy(ctx context.Context, plan *amber.SyncPlan, emit func(amber.ProgressEvent)) (amber.Stats, error) {
	var stats amber.Stats
	src := filepath.Clean(plan.SourcePath)
	excludes := amberfs.NewExcludeMatcher(plan.Excludes)

	type dirMeta struct {
		src  string
		path string
		info fs.FileInfo
	}
	var dirs []dirMeta

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." && excludes.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		target := filepath.Join(plan.DestinationPath, rel)
		stats.FilesTotal++

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			dirs = append(dirs, dirMeta{src: p, path: target, info: info})

		case info.Mode().IsRegular():
			stats.TotalSize += info.Size()
			if plan.HasPredecessor() && unchanged(filepath.Join(plan.PredecessorPath, rel), info) {
				return os.Link(filepath.Join(plan.PredecessorPath, rel), target)
			}
			n, err := amberfs.CopyFile(p, target, info, false)
			if err != nil {
				return err
			}
			stats.BytesSent += n
			stats.FilesChanged++
			if emit != nil {
				emit(amber.ProgressEvent{Type: amber.EventFile, File: rel, BytesTransferred: stats.BytesSent})
			}

		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := amberfs.CopyMetadata(dirs[i].src, dirs[i].path, dirs[i].info); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func unchanged(prev string, info fs.FileInfo) bool {
	prevInfo, err := os.Lstat(prev)
	if err != nil || !prevInfo.Mode().IsRegular() {
		return false
	}
	return prevInfo.Size() == info.Size() && prevInfo.ModTime().Equal(info.ModTime()) &&
		prevInfo.Mode().Perm() == info.Mode().Perm()
}

var _ amber.SyncTool = (*FakeSyncTool)(nil)
