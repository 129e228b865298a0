package rsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"amber-go/internal/amber"
	"amber-go/internal/fs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code      int
		cancelled bool
		want      amber.ToolOutcome
	}{
		{0, false, amber.ToolSuccess},
		{23, false, amber.ToolPartial},
		{24, false, amber.ToolPartial},
		{5, false, amber.ToolTransient},
		{10, false, amber.ToolTransient},
		{12, false, amber.ToolTransient},
		{30, false, amber.ToolTransient},
		{35, false, amber.ToolTransient},
		{20, false, amber.ToolInterrupted},
		{-1, true, amber.ToolInterrupted},
		{-1, false, amber.ToolFatal},
		{1, false, amber.ToolFatal},
		{11, false, amber.ToolFatal},
		{255, false, amber.ToolFatal},
	}
	for _, tt := range tests {
		if got := Classify(tt.code, tt.cancelled); got != tt.want {
			t.Errorf("Classify(%d, %v) = %v, want %v", tt.code, tt.cancelled, got, tt.want)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	t.Run("first snapshot has no link-dest", func(t *testing.T) {
		plan := &amber.SyncPlan{
			SourcePath:      "/home/alice/",
			DestinationPath: "/mnt/backup/2025-02-09-143000",
		}
		args := BuildArgs(plan)
		for _, a := range args {
			if strings.HasPrefix(a, "--link-dest") {
				t.Errorf("unexpected %s", a)
			}
		}
		n := len(args)
		if args[n-2] != "/home/alice/" || args[n-1] != "/mnt/backup/2025-02-09-143000/" {
			t.Errorf("operands = %v", args[n-2:])
		}
	})

	t.Run("incremental snapshot", func(t *testing.T) {
		plan := &amber.SyncPlan{
			SourcePath:      "/home/alice/",
			DestinationPath: "/mnt/backup/2025-02-10-143000",
			PredecessorPath: "/mnt/backup/2025-02-09-143000",
			Excludes:        []string{".cache/", "*.tmp"},
			ExtraFlags:      []string{"--one-file-system"},
		}
		want := []string{
			"-a", "-A", "-X", "-H", "--numeric-ids", "--delete", "--stats", "--out-format=%i %l %n",
			"--link-dest=/mnt/backup/2025-02-09-143000",
			"--exclude=.cache/", "--exclude=*.tmp",
			"--one-file-system",
			"/home/alice/", "/mnt/backup/2025-02-10-143000/",
		}
		if got := BuildArgs(plan); !reflect.DeepEqual(got, want) {
			t.Errorf("BuildArgs() =\n%v\nwant\n%v", got, want)
		}
	})
}

func TestParseItemized(t *testing.T) {
	tests := []struct {
		line string
		want itemized
		ok   bool
	}{
		{">f+++++++++ 1234 notes/meeting.md", itemized{">f+++++++++", 1234, "notes/meeting.md"}, true},
		{">f.st...... 10 file with spaces.txt", itemized{">f.st......", 10, "file with spaces.txt"}, true},
		{"cd+++++++++ 4096 notes/", itemized{"cd+++++++++", 4096, "notes/"}, true},
		{"cL+++++++++ 7 link -> target", itemized{"cL+++++++++", 7, "link -> target"}, true},
		{"Number of files: 3 (reg: 2, dir: 1)", itemized{}, false},
		{"sent 1,234 bytes  received 56 bytes", itemized{}, false},
		{"", itemized{}, false},
	}
	for _, tt := range tests {
		got, ok := parseItemized(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseItemized(%q) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}

	if item, _ := parseItemized(">f+++++++++ 1 a"); !item.Transferred() {
		t.Error("received file should count as transferred")
	}
	if item, _ := parseItemized("cd+++++++++ 0 dir/"); item.Transferred() {
		t.Error("directory creation should not count as transferred")
	}
}

func TestParseStats(t *testing.T) {
	output := `
Number of files: 1,234 (reg: 1,000, dir: 234)
Number of created files: 1,234 (reg: 1,000, dir: 234)
Number of deleted files: 0
Number of regular files transferred: 12
Total file size: 48,200,000 bytes
Total transferred file size: 2,400,000 bytes
Literal data: 2,400,000 bytes
sent 2,412,345 bytes  received 312 bytes  4,825,314.00 bytes/sec
total size is 48,200,000  speedup is 19.98
`
	var stats amber.Stats
	for _, line := range strings.Split(output, "\n") {
		parseStatsLine(line, &stats)
	}
	want := amber.Stats{BytesSent: 2400000, FilesChanged: 12, FilesTotal: 1234, TotalSize: 48200000}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	t.Run("older rsync wording", func(t *testing.T) {
		var stats amber.Stats
		parseStatsLine("Number of files transferred: 7", &stats)
		if stats.FilesChanged != 7 {
			t.Errorf("FilesChanged = %d, want 7", stats.FilesChanged)
		}
	})
}

func TestParseFailedPath(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{`rsync: [sender] send_files failed to open "/home/alice/secret.txt": Permission denied (13)`, "secret.txt", true},
		{`rsync: send_files failed to open "/home/alice/notes/a.md": Permission denied (13)`, "notes/a.md", true},
		{`file has vanished: "/home/alice/tmp/lock"`, "tmp/lock", true},
		{`rsync: opendir "/home/alice/private" failed: Permission denied (13)`, "private", true},
		{`rsync error: some files/attrs were not transferred (see previous errors) (code 23) at main.c(1338)`, "", false},
		{`rsync: link_stat "/elsewhere/x" failed: No such file or directory (2)`, "/elsewhere/x", true},
		{`building file list ... done`, "", false},
	}
	for _, tt := range tests {
		got, ok := parseFailedPath(tt.line, "/home/alice/")
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseFailedPath(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 16}
	b.WriteLine("first line")
	b.WriteLine("second line")
	b.WriteLine("third")

	got := b.String()
	if strings.Contains(got, "first") {
		t.Errorf("tail kept old data: %q", got)
	}
	if !strings.HasSuffix(got, "third\n") {
		t.Errorf("tail = %q, want it to end with the last line", got)
	}
}

// Integration tests below run the real binary.

func requireRsync(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("rsync")
	if err != nil {
		t.Skip("rsync not installed")
	}
	return path
}

// requireSuccess skips when the local rsync build or the temp filesystem
// lacks ACL or xattr support, which archive flags depend on.
func requireSuccess(t *testing.T, res *amber.SyncResult) {
	t.Helper()
	if res.Outcome == amber.ToolSuccess {
		return
	}
	if strings.Contains(res.Diagnostics, "not supported") {
		t.Skipf("rsync lacks ACL/xattr support here: %s", res.Diagnostics)
	}
	t.Fatalf("Outcome = %v, diagnostics: %s", res.Outcome, res.Diagnostics)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
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

func TestTool_Sync_LinkDest(t *testing.T) {
	bin := requireRsync(t)
	ctx := context.Background()

	src := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "b.txt"), "bravo")
	writeFile(t, filepath.Join(src, "cache", "junk.tmp"), "junk")

	tool := New(Options{Path: bin}, amber.NewNopLogger())

	first := &amber.SyncPlan{
		SourcePath:      src + "/",
		DestinationRoot: root,
		DestinationPath: filepath.Join(root, "s1"),
		Excludes:        []string{"*.tmp"},
	}
	var files []string
	res, err := tool.Sync(ctx, first, func(ev amber.ProgressEvent) { files = append(files, ev.File) })
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	requireSuccess(t, res)
	if res.Stats.BytesSent != int64(len("alpha")+len("bravo")) {
		t.Errorf("BytesSent = %d", res.Stats.BytesSent)
	}
	if len(files) == 0 {
		t.Error("no file events emitted")
	}
	if _, err := os.Stat(filepath.Join(root, "s1", "cache", "junk.tmp")); !os.IsNotExist(err) {
		t.Errorf("excluded file was copied: %v", err)
	}

	writeFile(t, filepath.Join(src, "b.txt"), "bravo, revised")
	// rsync compares mtimes at second precision.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(src, "b.txt"), future, future); err != nil {
		t.Fatal(err)
	}

	second := &amber.SyncPlan{
		SourcePath:      src + "/",
		DestinationRoot: root,
		DestinationPath: filepath.Join(root, "s2"),
		PredecessorPath: filepath.Join(root, "s1"),
		Excludes:        []string{"*.tmp"},
	}
	res, err = tool.Sync(ctx, second, nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	requireSuccess(t, res)

	if inode(t, filepath.Join(root, "s1", "a.txt")) != inode(t, filepath.Join(root, "s2", "a.txt")) {
		t.Error("unchanged file was not hard-linked")
	}
	if inode(t, filepath.Join(root, "s1", "b.txt")) == inode(t, filepath.Join(root, "s2", "b.txt")) {
		t.Error("changed file shares an inode with its predecessor")
	}
	if res.Stats.BytesSent != int64(len("bravo, revised")) {
		t.Errorf("BytesSent = %d, want only the changed file", res.Stats.BytesSent)
	}
}

func TestTool_Sync_MissingBinary(t *testing.T) {
	tool := New(Options{Path: filepath.Join(t.TempDir(), "no-rsync")}, amber.NewNopLogger())
	plan := &amber.SyncPlan{SourcePath: t.TempDir() + "/", DestinationPath: filepath.Join(t.TempDir(), "s1")}

	if _, err := tool.Sync(context.Background(), plan, nil); err == nil {
		t.Error("Sync() expected error for missing binary")
	}
}
