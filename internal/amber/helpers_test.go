package amber_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"amber-go/internal/amber"
	"amber-go/internal/database"
	"amber-go/internal/destination"
	"amber-go/internal/fs"
	"amber-go/internal/testutil"
)

// harness wires an Engine to a migrated in-memory store, the real
// destination guard and the in-process fake sync tool.
type harness struct {
	t      *testing.T
	store  *database.SQLiteStore
	guard  *destination.Guard
	tool   *testutil.FakeSyncTool
	clock  *testutil.StubClock
	engine *amber.Engine
	source string
	dest   string
}

func fastRetries(opts *amber.EngineOptions) {
	opts.Executor.MaxRetries = 3
	opts.Executor.RetryBackoff = time.Millisecond
	opts.Executor.MaxBackoff = 2 * time.Millisecond
}

func newHarness(t *testing.T, configure ...func(*amber.EngineOptions)) *harness {
	t.Helper()

	opts := amber.EngineOptions{}
	fastRetries(&opts)
	for _, c := range configure {
		c(&opts)
	}

	h := &harness{
		t:      t,
		store:  testutil.NewTestStore(t),
		tool:   testutil.NewFakeSyncTool(),
		clock:  testutil.FixedClock(),
		source: t.TempDir(),
		dest:   filepath.Join(t.TempDir(), "backup"),
	}
	h.guard = destination.NewGuard(destination.Options{Timeout: 5 * time.Second}, h.clock)
	h.engine = amber.NewEngine(h.store, h.guard, h.tool, h.clock, testutil.NewStubIDGenerator(), amber.NewNopLogger(), opts)
	if err := h.engine.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		h.tool.Unblock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) createJob(name string, mutate ...func(*amber.JobSpec)) *amber.Job {
	h.t.Helper()
	spec := amber.JobSpec{
		Name:            name,
		SourcePath:      h.source,
		DestinationRoot: h.dest,
	}
	for _, m := range mutate {
		m(&spec)
	}
	job, err := h.engine.CreateJob(context.Background(), spec)
	if err != nil {
		h.t.Fatalf("CreateJob() error = %v", err)
	}
	return job
}

// runNow advances the clock and runs the job to completion.
func (h *harness) runNow(job *amber.Job) (*amber.RunResult, error) {
	h.t.Helper()
	h.clock.Advance(time.Hour)
	return h.engine.RunNow(context.Background(), job.ID)
}

func (h *harness) mustRun(job *amber.Job) *amber.Snapshot {
	h.t.Helper()
	result, err := h.runNow(job)
	if err != nil {
		h.t.Fatalf("RunNow() error = %v", err)
	}
	if result.Snapshot.Status != amber.StatusComplete {
		h.t.Fatalf("snapshot %s is %s, want complete", result.Snapshot.Name, result.Snapshot.Status)
	}
	return result.Snapshot
}

func (h *harness) snapshots(job *amber.Job) []*amber.Snapshot {
	h.t.Helper()
	page, err := h.engine.ListSnapshots(job.ID, 1000, 0)
	if err != nil {
		h.t.Fatalf("ListSnapshots() error = %v", err)
	}
	return page.Snapshots
}

// waitStarted blocks until the fake tool begins a sync.
func (h *harness) waitStarted() *amber.SyncPlan {
	h.t.Helper()
	select {
	case plan := <-h.tool.Started:
		return plan
	case <-time.After(10 * time.Second):
		h.t.Fatal("sync did not start")
		return nil
	}
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
}

// touch rewrites path with new content and an mtime distinct from before.
func touch(t *testing.T, path, content string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, content, info.Mode().Perm())
	mtime := info.ModTime().Add(time.Minute)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func inode(t *testing.T, path string) uint64 {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	st, err := fs.ExtractStatData(info)
	if err != nil {
		t.Skip("inode numbers unavailable")
	}
	return st.Ino
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
