package amber_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"amber-go/internal/amber"
	"amber-go/internal/database"
	"amber-go/internal/destination"
	"amber-go/internal/lease"
	"amber-go/internal/testutil"
)

func TestEngine_HardLinkScenario(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	writeFile(t, filepath.Join(h.source, "b.txt"), "bravo", 0o644)
	job := h.createJob("docs")

	first := h.mustRun(job)
	if first.PredecessorID != "" {
		t.Errorf("first snapshot predecessor = %q, want none", first.PredecessorID)
	}
	if first.Stats.BytesSent != int64(len("alpha")+len("bravo")) {
		t.Errorf("first BytesSent = %d", first.Stats.BytesSent)
	}

	// a unchanged, b modified, c new.
	touch(t, filepath.Join(h.source, "b.txt"), "bravo, edited")
	writeFile(t, filepath.Join(h.source, "c.txt"), "charlie", 0o644)
	second := h.mustRun(job)

	if second.PredecessorID != first.ID || second.PredecessorName != first.Name {
		t.Errorf("second predecessor = %s/%s, want %s/%s", second.PredecessorID, second.PredecessorName, first.ID, first.Name)
	}
	if want := int64(len("bravo, edited") + len("charlie")); second.Stats.BytesSent != want {
		t.Errorf("second BytesSent = %d, want %d (b and c only)", second.Stats.BytesSent, want)
	}
	if second.Stats.FilesChanged != 2 {
		t.Errorf("second FilesChanged = %d, want 2", second.Stats.FilesChanged)
	}

	p1 := first.Path(h.dest)
	p2 := second.Path(h.dest)
	if inode(t, filepath.Join(p1, "a.txt")) != inode(t, filepath.Join(p2, "a.txt")) {
		t.Error("a.txt is not hard-linked between snapshots")
	}
	if inode(t, filepath.Join(p1, "b.txt")) == inode(t, filepath.Join(p2, "b.txt")) {
		t.Error("b.txt shares an inode although it changed")
	}
	if exists(filepath.Join(p1, "c.txt")) {
		t.Error("c.txt appeared in the first snapshot")
	}
	if got := readFile(t, filepath.Join(p1, "b.txt")); got != "bravo" {
		t.Errorf("old snapshot b.txt = %q, want the original content", got)
	}
	if got := readFile(t, filepath.Join(p2, "b.txt")); got != "bravo, edited" {
		t.Errorf("new snapshot b.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(p2, "c.txt")); got != "charlie" {
		t.Errorf("new snapshot c.txt = %q", got)
	}
}

func TestEngine_PredecessorChain(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	job := h.createJob("docs")

	first := h.mustRun(job)

	h.tool.Script(testutil.FakeStep{Outcome: amber.ToolFatal, ExitCode: 11})
	result, err := h.runNow(job)
	var transferErr *amber.TransferError
	if !errors.As(err, &transferErr) || transferErr.ExitCode != 11 {
		t.Fatalf("RunNow() error = %v, want TransferError with exit code 11", err)
	}
	failed := result.Snapshot
	if failed.Status != amber.StatusFailed || failed.ErrorKind != amber.KindTransfer {
		t.Errorf("failed snapshot = %s/%s", failed.Status, failed.ErrorKind)
	}
	if failed.ExitCode == nil || *failed.ExitCode != 11 {
		t.Errorf("failed snapshot exit code = %v", failed.ExitCode)
	}

	third := h.mustRun(job)
	if third.PredecessorID != first.ID {
		t.Errorf("third predecessor = %q, want the last complete snapshot %q", third.PredecessorID, first.ID)
	}
	if third.Name <= failed.Name || failed.Name <= first.Name {
		t.Errorf("names not increasing: %s, %s, %s", first.Name, failed.Name, third.Name)
	}

	plans := h.tool.Plans()
	if got := plans[len(plans)-1].PredecessorPath; got != first.Path(h.dest) {
		t.Errorf("link-dest = %q, want %q", got, first.Path(h.dest))
	}
}

func TestEngine_GuardFailures(t *testing.T) {
	t.Run("missing marker creates no snapshot row", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob("docs")
		if err := os.Remove(filepath.Join(h.dest, destination.MarkerFileName)); err != nil {
			t.Fatal(err)
		}

		result, err := h.runNow(job)
		if !errors.Is(err, amber.ErrMissingMarker) {
			t.Fatalf("RunNow() error = %v, want ErrMissingMarker", err)
		}
		if amber.KindOf(err) != amber.KindDestinationUnavailable {
			t.Errorf("KindOf() = %v", amber.KindOf(err))
		}
		if result != nil {
			t.Errorf("result = %+v, want nil", result)
		}
		if n := len(h.snapshots(job)); n != 0 {
			t.Errorf("%d snapshot rows, want 0", n)
		}
		if n := len(h.tool.Plans()); n != 0 {
			t.Errorf("sync tool called %d times", n)
		}
	})

	t.Run("unmounted destination leaves the last snapshot untouched", func(t *testing.T) {
		h := newHarness(t)
		writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
		job := h.createJob("docs")
		last := h.mustRun(job)

		// Simulate the drive disappearing.
		away := h.dest + ".unmounted"
		if err := os.Rename(h.dest, away); err != nil {
			t.Fatal(err)
		}
		_, err := h.runNow(job)
		if !errors.Is(err, amber.ErrNotMounted) {
			t.Fatalf("RunNow() error = %v, want ErrNotMounted", err)
		}
		if exists(h.dest) {
			t.Error("run recreated the destination root")
		}
		if err := os.Rename(away, h.dest); err != nil {
			t.Fatal(err)
		}

		snaps := h.snapshots(job)
		if len(snaps) != 1 || snaps[0].ID != last.ID || snaps[0].Status != amber.StatusComplete {
			t.Fatalf("snapshots = %v, want only %s", snaps, last.Name)
		}
		if got := readFile(t, filepath.Join(last.Path(h.dest), "a.txt")); got != "alpha" {
			t.Errorf("a.txt = %q", got)
		}
	})

	t.Run("foreign marker", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob("docs")
		if err := h.guard.Release(context.Background(), h.dest, job.ID); err != nil {
			t.Fatal(err)
		}
		if err := h.guard.Adopt(context.Background(), h.dest, "someone-else", "other"); err != nil {
			t.Fatal(err)
		}

		_, err := h.runNow(job)
		if !errors.Is(err, amber.ErrWrongIdentity) {
			t.Errorf("RunNow() error = %v, want ErrWrongIdentity", err)
		}
	})
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	job := h.createJob("docs")
	h.tool.Script(testutil.FakeStep{Block: true})

	run, err := h.engine.StartRun(context.Background(), job.ID, amber.TriggerManual)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	h.waitStarted()

	if active := h.engine.ActiveRuns(); len(active) != 1 || active[0].ID != run.ID {
		t.Errorf("ActiveRuns() = %v", active)
	}
	if err := h.engine.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	result, err := run.Wait(context.Background())
	if !errors.Is(err, amber.ErrCancelled) {
		t.Fatalf("Wait() error = %v, want ErrCancelled", err)
	}
	if result.Snapshot.Status != amber.StatusFailed || result.Snapshot.ErrorKind != amber.KindCancelled {
		t.Errorf("snapshot = %s/%s, want failed/cancelled", result.Snapshot.Status, result.Snapshot.ErrorKind)
	}
	if run.SnapshotID() != result.Snapshot.ID {
		t.Errorf("run snapshot = %q, want %q", run.SnapshotID(), result.Snapshot.ID)
	}

	// Cancelling a finished run is a no-op.
	if err := h.engine.Cancel(run.ID); err != nil {
		t.Errorf("second Cancel() error = %v", err)
	}
	if err := h.engine.Cancel("no-such-run"); !errors.Is(err, amber.ErrNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}

	// A cancelled snapshot never becomes a predecessor.
	next := h.mustRun(job)
	if next.PredecessorID != "" {
		t.Errorf("predecessor = %q, want none", next.PredecessorID)
	}
}

func TestEngine_ConcurrentTriggers(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	job := h.createJob("docs", func(s *amber.JobSpec) { s.Schedule = "@hourly" })
	h.tool.Script(testutil.FakeStep{Block: true})

	events, unsubscribe := h.engine.Subscribe(64)
	defer unsubscribe()

	run, err := h.engine.StartRun(context.Background(), job.ID, amber.TriggerManual)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	h.waitStarted()

	_, err = h.engine.StartRun(context.Background(), job.ID, amber.TriggerScheduled)
	if !errors.Is(err, amber.ErrScheduleConflict) {
		t.Fatalf("second StartRun() error = %v, want ErrScheduleConflict", err)
	}

	h.tool.Unblock()
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if n := len(h.snapshots(job)); n != 1 {
		t.Errorf("%d snapshots, want exactly 1", n)
	}

	seen := map[amber.EventType]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[amber.EventRunFinished] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("no run_finished event; saw %v", seen)
		}
	}
	for _, want := range []amber.EventType{amber.EventRunStarted, amber.EventRunSkipped, amber.EventFile} {
		if !seen[want] {
			t.Errorf("missing %s event", want)
		}
	}
}

func TestEngine_Retries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		h := newHarness(t)
		writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
		job := h.createJob("docs")
		h.tool.Script(
			testutil.FakeStep{Outcome: amber.ToolTransient, ExitCode: 12},
			testutil.FakeStep{Outcome: amber.ToolTransient, ExitCode: 30},
		)

		result, err := h.runNow(job)
		if err != nil {
			t.Fatalf("RunNow() error = %v", err)
		}
		if result.Attempts != 3 || result.Snapshot.Attempts != 3 {
			t.Errorf("attempts = %d/%d, want 3", result.Attempts, result.Snapshot.Attempts)
		}
		if result.Snapshot.Status != amber.StatusComplete {
			t.Errorf("status = %s", result.Snapshot.Status)
		}
	})

	t.Run("retries are bounded", func(t *testing.T) {
		h := newHarness(t, func(o *amber.EngineOptions) { o.Executor.MaxRetries = 1 })
		job := h.createJob("docs")
		h.tool.Script(
			testutil.FakeStep{Outcome: amber.ToolTransient, ExitCode: 12},
			testutil.FakeStep{Outcome: amber.ToolTransient, ExitCode: 12},
		)

		result, err := h.runNow(job)
		var transferErr *amber.TransferError
		if !errors.As(err, &transferErr) || !transferErr.Transient {
			t.Fatalf("RunNow() error = %v, want transient TransferError", err)
		}
		if result.Snapshot.Status != amber.StatusFailed || result.Snapshot.Attempts != 2 {
			t.Errorf("snapshot = %s after %d attempts", result.Snapshot.Status, result.Snapshot.Attempts)
		}
	})

	t.Run("tool that cannot start", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob("docs")
		h.tool.Script(testutil.FakeStep{Err: errors.New("exec: rsync: not found")})

		result, err := h.runNow(job)
		if amber.KindOf(err) != amber.KindTransfer {
			t.Fatalf("RunNow() error = %v, want transfer kind", err)
		}
		if code := result.Snapshot.ExitCode; code == nil || *code != -1 {
			t.Errorf("exit code = %v, want -1", code)
		}
	})
}

func TestEngine_PartialTransfer(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	job := h.createJob("docs")
	h.tool.Script(testutil.FakeStep{Outcome: amber.ToolPartial, ExitCode: 24, FailedPaths: []string{"tmp/lock"}})

	result, err := h.runNow(job)
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	snap := result.Snapshot
	if snap.Status != amber.StatusComplete || !snap.HasWarnings() {
		t.Fatalf("snapshot = %s with failed paths %v", snap.Status, snap.FailedPaths)
	}
	if snap.ErrorKind != amber.KindPartialTransfer || snap.ExitCode == nil || *snap.ExitCode != 24 {
		t.Errorf("snapshot kind = %s, exit code = %v", snap.ErrorKind, snap.ExitCode)
	}

	next := h.mustRun(job)
	if next.PredecessorID != snap.ID {
		t.Error("a complete snapshot with warnings must still serve as predecessor")
	}
}

func TestEngine_AutomaticPrune(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	writeFile(t, filepath.Join(h.source, "b.txt"), "bravo", 0o644)
	job := h.createJob("docs", func(s *amber.JobSpec) {
		s.Retention = amber.RetentionPolicy{KeepLast: 2}
	})

	var all []*amber.Snapshot
	for i := 0; i < 4; i++ {
		if i == 2 {
			touch(t, filepath.Join(h.source, "b.txt"), "bravo v2")
		}
		all = append(all, h.mustRun(job))
	}

	snaps := h.snapshots(job)
	if len(snaps) != 2 || snaps[0].ID != all[3].ID || snaps[1].ID != all[2].ID {
		t.Fatalf("surviving snapshots = %v, want the newest two", snaps)
	}
	for _, gone := range all[:2] {
		if exists(gone.Path(h.dest)) {
			t.Errorf("pruned snapshot %s still on disk", gone.Name)
		}
	}
	for _, kept := range all[2:] {
		p := kept.Path(h.dest)
		if got := readFile(t, filepath.Join(p, "a.txt")); got != "alpha" {
			t.Errorf("%s/a.txt = %q after pruning", kept.Name, got)
		}
		if got := readFile(t, filepath.Join(p, "b.txt")); got != "bravo v2" {
			t.Errorf("%s/b.txt = %q after pruning", kept.Name, got)
		}
	}
}

func TestEngine_Jobs(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects nested source and destination", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.CreateJob(ctx, amber.JobSpec{
			Name:            "nested",
			SourcePath:      h.source,
			DestinationRoot: filepath.Join(h.source, "backup"),
		})
		if err == nil {
			t.Error("CreateJob() expected error for destination inside source")
		}
	})

	t.Run("rejects invalid schedule and duplicate name", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.CreateJob(ctx, amber.JobSpec{Name: "bad", SourcePath: h.source, DestinationRoot: h.dest, Schedule: "every day"})
		if err == nil {
			t.Error("CreateJob() expected error for invalid schedule")
		}

		h.createJob("docs")
		_, err = h.engine.CreateJob(ctx, amber.JobSpec{Name: "docs", SourcePath: h.source, DestinationRoot: h.dest + "2"})
		if !errors.Is(err, amber.ErrJobExists) {
			t.Errorf("CreateJob() error = %v, want ErrJobExists", err)
		}
	})

	t.Run("refuses a destination owned by another job", func(t *testing.T) {
		h := newHarness(t)
		h.createJob("docs")
		_, err := h.engine.CreateJob(ctx, amber.JobSpec{Name: "other", SourcePath: h.source, DestinationRoot: h.dest})
		if !errors.Is(err, amber.ErrWrongIdentity) {
			t.Errorf("CreateJob() error = %v, want ErrWrongIdentity", err)
		}
	})

	t.Run("update and lookup by name", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob("docs")

		updated, err := h.engine.UpdateJob(ctx, "docs", amber.JobSpec{
			Name:            "documents",
			SourcePath:      h.source,
			DestinationRoot: h.dest,
			Excludes:        []string{" *.tmp ", "# comment", ""},
		})
		if err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		if updated.ID != job.ID || len(updated.Excludes) != 1 || updated.Excludes[0] != "*.tmp" {
			t.Errorf("updated = %+v", updated)
		}
		if _, err := h.engine.GetJob("docs"); !errors.Is(err, amber.ErrNotFound) {
			t.Errorf("GetJob(old name) error = %v, want ErrNotFound", err)
		}
		got, err := h.engine.GetJob("documents")
		if err != nil || got.ID != job.ID {
			t.Errorf("GetJob(new name) = %v, %v", got, err)
		}
	})

	t.Run("delete keeps snapshots unless purged", func(t *testing.T) {
		h := newHarness(t)
		writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
		job := h.createJob("docs")
		snap := h.mustRun(job)

		if err := h.engine.DeleteJob(ctx, job.ID, false); err != nil {
			t.Fatalf("DeleteJob() error = %v", err)
		}
		if !exists(snap.Path(h.dest)) {
			t.Error("snapshot directory removed without purge")
		}

		// Re-adding the job on the same destination adopts the old identity.
		again := h.createJob("docs")
		if again.ID != job.ID {
			t.Errorf("re-added job ID = %q, want %q", again.ID, job.ID)
		}
		if _, err := h.engine.Rebuild(ctx, again.ID); err != nil {
			t.Fatalf("Rebuild() error = %v", err)
		}

		if err := h.engine.DeleteJob(ctx, again.ID, true); err != nil {
			t.Fatalf("DeleteJob(purge) error = %v", err)
		}
		if exists(snap.Path(h.dest)) {
			t.Error("snapshot directory left after purge")
		}
		if exists(filepath.Join(h.dest, destination.MarkerFileName)) {
			t.Error("marker left after purge")
		}
	})

	t.Run("busy job cannot be deleted", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob("docs")
		h.tool.Script(testutil.FakeStep{Block: true})
		run, err := h.engine.StartRun(ctx, job.ID, amber.TriggerManual)
		if err != nil {
			t.Fatal(err)
		}
		h.waitStarted()

		if err := h.engine.DeleteJob(ctx, job.ID, false); !errors.Is(err, amber.ErrJobBusy) {
			t.Errorf("DeleteJob() error = %v, want ErrJobBusy", err)
		}
		h.tool.Unblock()
		run.Wait(ctx)
	})
}

func TestEngine_Rebuild(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	job := h.createJob("docs")
	first := h.mustRun(job)
	second := h.mustRun(job)

	// A fresh metadata store pointed at the same destination.
	store := testutil.NewTestStore(t)
	engine := amber.NewEngine(store, h.guard, h.tool, h.clock, testutil.NewPrefixedIDGenerator("new"), amber.NewNopLogger(), amber.EngineOptions{})
	if err := engine.Open(ctx); err != nil {
		t.Fatal(err)
	}
	readded, err := engine.CreateJob(ctx, amber.JobSpec{Name: "docs", SourcePath: h.source, DestinationRoot: h.dest})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if readded.ID != job.ID {
		t.Errorf("re-added job ID = %q, want marker identity %q", readded.ID, job.ID)
	}

	result, err := engine.Rebuild(ctx, "docs")
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if len(result.Imported) != 2 || result.Imported[0] != first.Name || result.Imported[1] != second.Name {
		t.Fatalf("Imported = %v", result.Imported)
	}

	page, err := engine.ListSnapshots("docs", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Fatalf("Total = %d, want 2", page.Total)
	}
	newest, oldest := page.Snapshots[0], page.Snapshots[1]
	if newest.Status != amber.StatusComplete || newest.PredecessorID != oldest.ID {
		t.Errorf("imported chain: %s (pred %q) -> %s", newest.Name, newest.PredecessorID, oldest.Name)
	}
	if newest.Stats.FilesTotal == 0 {
		t.Error("imported snapshot has no measured stats")
	}

	// Rebuild drops complete records whose directory vanished.
	if err := os.RemoveAll(second.Path(h.dest)); err != nil {
		t.Fatal(err)
	}
	result, err = engine.Rebuild(ctx, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Dropped) != 1 || result.Dropped[0] != second.Name || len(result.Imported) != 0 {
		t.Errorf("second rebuild = %+v", result)
	}
}

func TestEngine_RebuildKeepsRecordedPartialRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
	job := h.createJob("docs")
	done := h.mustRun(job)

	// A crashed run left its row running and half a directory behind.
	h.clock.Advance(time.Hour)
	partial := &amber.Snapshot{
		ID:            "partial",
		JobID:         job.ID,
		Name:          h.clock.Now().UTC().Format(amber.SnapshotTimeFormat),
		CreatedAt:     h.clock.Now(),
		PredecessorID: done.ID,
	}
	if err := h.store.InsertPendingSnapshot(partial); err != nil {
		t.Fatal(err)
	}
	if err := h.store.MarkSnapshotRunning(partial.ID, 1); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(partial.Path(h.dest), "a.txt"), "alp", 0o644)

	result, err := h.engine.Rebuild(ctx, job.ID)
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if len(result.Imported) != 0 || len(result.Dropped) != 0 {
		t.Errorf("Rebuild() = %+v, want no changes", result)
	}
	snap, err := h.engine.GetSnapshot(partial.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != amber.StatusFailed || snap.ErrorKind != amber.KindInterrupted {
		t.Errorf("partial snapshot = %s/%s, want failed/interrupted", snap.Status, snap.ErrorKind)
	}
	latest, err := h.store.LatestCompleteSnapshot(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != done.ID {
		t.Errorf("latest complete = %+v, want %s", latest, done.Name)
	}
}

func TestEngine_RecoversInterruptedRuns(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, *amber.Job) {
		t.Helper()
		h := newHarness(t)
		writeFile(t, filepath.Join(h.source, "a.txt"), "alpha", 0o644)
		job := h.createJob("docs")
		stale := &amber.Snapshot{ID: "stale", JobID: job.ID, Name: "2025-02-09-150000", CreatedAt: h.clock.Now()}
		if err := h.store.InsertPendingSnapshot(stale); err != nil {
			t.Fatal(err)
		}
		if err := h.store.MarkSnapshotRunning(stale.ID, 1); err != nil {
			t.Fatal(err)
		}
		return h, job
	}
	staleStatus := func(t *testing.T, h *harness) *amber.Snapshot {
		t.Helper()
		snap, err := h.engine.GetSnapshot("stale")
		if err != nil {
			t.Fatal(err)
		}
		return snap
	}

	t.Run("open leaves snapshot records alone", func(t *testing.T) {
		h, _ := setup(t)
		if err := h.engine.Open(ctx); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if snap := staleStatus(t, h); snap.Status != amber.StatusRunning {
			t.Errorf("stale snapshot = %s after Open, want running", snap.Status)
		}
	})

	t.Run("recover fails runs nobody holds", func(t *testing.T) {
		h, _ := setup(t)
		if err := h.engine.Recover(ctx); err != nil {
			t.Fatalf("Recover() error = %v", err)
		}
		snap := staleStatus(t, h)
		if snap.Status != amber.StatusFailed || snap.ErrorKind != amber.KindInterrupted {
			t.Errorf("stale snapshot = %s/%s, want failed/interrupted", snap.Status, snap.ErrorKind)
		}
	})

	t.Run("next run of the job fails them first", func(t *testing.T) {
		h, job := setup(t)
		h.mustRun(job)
		snap := staleStatus(t, h)
		if snap.Status != amber.StatusFailed || snap.ErrorKind != amber.KindInterrupted {
			t.Errorf("stale snapshot = %s/%s, want failed/interrupted", snap.Status, snap.ErrorKind)
		}
	})
}

// sharedEngine opens an engine on a database file and lock directory that
// other engines in the test also use, the way a second amber process does.
func sharedEngine(t *testing.T, dbPath, lockDir, idPrefix string, clock *testutil.StubClock, tool *testutil.FakeSyncTool) *amber.Engine {
	t.Helper()
	store, err := database.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MigrateUp(); err != nil {
		store.Close()
		t.Fatal(err)
	}
	locks, err := lease.NewDir(lockDir, clock)
	if err != nil {
		store.Close()
		t.Fatal(err)
	}
	guard := destination.NewGuard(destination.Options{Timeout: 5 * time.Second}, clock)
	engine := amber.NewEngine(store, guard, tool, clock, testutil.NewPrefixedIDGenerator(idPrefix), amber.NewNopLogger(), amber.EngineOptions{Locks: locks})
	if err := engine.Open(context.Background()); err != nil {
		store.Close()
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		tool.Unblock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
		store.Close()
	})
	return engine
}

func TestEngine_RunLeaseSharedAcrossEngines(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "amber.db")
	lockDir := filepath.Join(t.TempDir(), "locks")
	source := t.TempDir()
	dest := filepath.Join(t.TempDir(), "backup")
	writeFile(t, filepath.Join(source, "a.txt"), "alpha", 0o644)
	clock := testutil.FixedClock()

	daemonTool := testutil.NewFakeSyncTool(testutil.FakeStep{Block: true})
	daemon := sharedEngine(t, dbPath, lockDir, "daemon", clock, daemonTool)
	job, err := daemon.CreateJob(ctx, amber.JobSpec{Name: "docs", SourcePath: source, DestinationRoot: dest, Schedule: "@hourly"})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	run, err := daemon.StartRun(ctx, job.ID, amber.TriggerScheduled)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	select {
	case <-daemonTool.Started:
	case <-time.After(10 * time.Second):
		t.Fatal("sync did not start")
	}

	cliTool := testutil.NewFakeSyncTool()
	cli := sharedEngine(t, dbPath, lockDir, "cli", clock, cliTool)
	inFlight := func() amber.Status {
		t.Helper()
		snap, err := cli.GetSnapshot(run.SnapshotID())
		if err != nil {
			t.Fatal(err)
		}
		return snap.Status
	}

	if got := inFlight(); got != amber.StatusRunning {
		t.Errorf("in-flight snapshot = %s after second Open, want running", got)
	}
	if err := cli.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got := inFlight(); got != amber.StatusRunning {
		t.Errorf("in-flight snapshot = %s after second Recover, want running", got)
	}

	if _, err := cli.RunNow(ctx, "docs"); !errors.Is(err, amber.ErrScheduleConflict) {
		t.Errorf("second engine RunNow() error = %v, want ErrScheduleConflict", err)
	}
	if n := len(cliTool.Plans()); n != 0 {
		t.Errorf("second engine started %d syncs, want 0", n)
	}
	if err := cli.DeleteJob(ctx, "docs", false); !errors.Is(err, amber.ErrJobBusy) {
		t.Errorf("second engine DeleteJob() error = %v, want ErrJobBusy", err)
	}
	if _, err := cli.Rebuild(ctx, "docs"); !errors.Is(err, amber.ErrJobBusy) {
		t.Errorf("second engine Rebuild() error = %v, want ErrJobBusy", err)
	}

	daemonTool.Unblock()
	result, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Snapshot.Status != amber.StatusComplete {
		t.Fatalf("daemon snapshot = %s, want complete", result.Snapshot.Status)
	}

	// The lease is free once the daemon's run has committed.
	clock.Advance(time.Hour)
	next, err := cli.RunNow(ctx, "docs")
	if err != nil {
		t.Fatalf("RunNow() after release error = %v", err)
	}
	if next.Snapshot.Status != amber.StatusComplete || next.Snapshot.PredecessorID != result.Snapshot.ID {
		t.Errorf("second engine snapshot = %s with predecessor %q, want complete after %q",
			next.Snapshot.Status, next.Snapshot.PredecessorID, result.Snapshot.ID)
	}
}

func TestEngine_RefusesCorruptStore(t *testing.T) {
	ctx := context.Background()
	store, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	clock := testutil.FixedClock()
	guard := destination.NewGuard(destination.Options{}, clock)
	engine := amber.NewEngine(store, guard, testutil.NewFakeSyncTool(), clock, testutil.NewStubIDGenerator(), amber.NewNopLogger(), amber.EngineOptions{})

	if err := engine.Open(ctx); !errors.Is(err, amber.ErrMetadataCorruption) {
		t.Fatalf("Open() error = %v, want ErrMetadataCorruption", err)
	}
	if _, err := engine.StartRun(ctx, "any", amber.TriggerManual); !errors.Is(err, amber.ErrMetadataCorruption) {
		t.Errorf("StartRun() error = %v, want ErrMetadataCorruption", err)
	}
	if err := engine.StartScheduler(ctx); !errors.Is(err, amber.ErrMetadataCorruption) {
		t.Errorf("StartScheduler() error = %v, want ErrMetadataCorruption", err)
	}
}
