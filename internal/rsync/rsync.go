// Package rsync runs snapshot transfers with the rsync binary.
package rsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"amber-go/internal/amber"
)

const (
	defaultBinary    = "rsync"
	defaultKillDelay = 10 * time.Second
	diagnosticsLimit = 8 << 10
)

// Options configure the rsync tool.
type Options struct {
	Path      string        // rsync binary; defaults to "rsync" on PATH
	KillDelay time.Duration // grace period between SIGTERM and SIGKILL on cancel
}

// Tool implements amber.SyncTool by running rsync with --link-dest.
type Tool struct {
	opts   Options
	logger amber.Logger
}

// New creates a Tool.
func New(opts Options, logger amber.Logger) *Tool {
	if opts.Path == "" {
		opts.Path = defaultBinary
	}
	if opts.KillDelay <= 0 {
		opts.KillDelay = defaultKillDelay
	}
	return &Tool{opts: opts, logger: logger}
}

// BuildArgs returns the rsync argument list for plan. Archive mode with
// ACLs, xattrs and hard links preserves the tree; --link-dest hard-links
// every file unchanged since the predecessor.
func BuildArgs(plan *amber.SyncPlan) []string {
	args := []string{
		"-a", "-A", "-X", "-H",
		"--numeric-ids",
		"--delete",
		"--stats",
		"--out-format=" + outFormat,
	}
	if plan.HasPredecessor() {
		args = append(args, "--link-dest="+plan.PredecessorPath)
	}
	for _, p := range plan.Excludes {
		args = append(args, "--exclude="+p)
	}
	args = append(args, plan.ExtraFlags...)
	args = append(args, withTrailingSlash(plan.SourcePath), withTrailingSlash(plan.DestinationPath))
	return args
}

func withTrailingSlash(p string) string {
	if strings.HasSuffix(p, string(filepath.Separator)) {
		return p
	}
	return p + string(filepath.Separator)
}

// Sync runs rsync for plan. Cancelling ctx sends SIGTERM and, after the
// kill delay, SIGKILL; the partial snapshot directory is left in place.
func (t *Tool) Sync(ctx context.Context, plan *amber.SyncPlan, emit func(amber.ProgressEvent)) (*amber.SyncResult, error) {
	args := BuildArgs(plan)
	cmd := exec.CommandContext(ctx, t.opts.Path, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = t.opts.KillDelay
	detachProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	t.logger.Debug("starting rsync", "path", t.opts.Path, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", t.opts.Path, err)
	}

	result := &amber.SyncResult{}
	diagnostics := &tailBuffer{max: diagnosticsLimit}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readStdout(stdout, result, emit)
	}()
	go func() {
		defer wg.Done()
		result.FailedPaths = t.readStderr(stderr, plan.SourcePath, diagnostics)
	}()
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	waitErr := cmd.Wait()
	result.Diagnostics = diagnostics.String()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// rsync exited but a child kept the pipes open.
		result.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return nil, fmt.Errorf("waiting for rsync: %w", waitErr)
	}

	result.Outcome = Classify(result.ExitCode, ctx.Err() != nil)
	t.logger.Debug("rsync finished", "exit_code", result.ExitCode, "outcome", result.Outcome.String(),
		"bytes_sent", result.Stats.BytesSent, "failed_paths", len(result.FailedPaths))
	return result, nil
}

func (t *Tool) readStdout(r io.Reader, result *amber.SyncResult, emit func(amber.ProgressEvent)) {
	var transferred int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if item, ok := parseItemized(line); ok {
			if item.Transferred() {
				transferred += item.Size
			}
			if emit != nil {
				emit(amber.ProgressEvent{Type: amber.EventFile, File: item.Path, BytesTransferred: transferred})
			}
			continue
		}
		parseStatsLine(line, &result.Stats)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("reading rsync output", "error", err)
		io.Copy(io.Discard, r)
	}
}

func (t *Tool) readStderr(r io.Reader, source string, diagnostics *tailBuffer) []string {
	var failed []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		diagnostics.WriteLine(line)
		if p, ok := parseFailedPath(line, source); ok && !seen[p] {
			seen[p] = true
			failed = append(failed, p)
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("reading rsync errors", "error", err)
		io.Copy(io.Discard, r)
	}
	return failed
}

// Version returns the first line of `rsync --version`.
func (t *Tool) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, t.opts.Path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("running %s --version: %w", t.opts.Path, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

var _ amber.SyncTool = (*Tool)(nil)
