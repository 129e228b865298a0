package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"amber-go/internal/amber"
)

var (
	okStyle    = color.New(color.FgGreen)
	warnStyle  = color.New(color.FgYellow)
	errorStyle = color.New(color.FgRed, color.Bold)
	dimStyle   = color.New(color.Faint)
	labelStyle = color.New(color.Bold)
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// statusLabel renders a snapshot status; complete snapshots with failed
// paths are flagged.
func statusLabel(s *amber.Snapshot) string {
	switch {
	case s.HasWarnings():
		return warnStyle.Sprint("complete!")
	case s.Status == amber.StatusComplete:
		return okStyle.Sprint(string(s.Status))
	case s.Status == amber.StatusFailed:
		return errorStyle.Sprint(string(s.Status))
	default:
		return warnStyle.Sprint(string(s.Status))
	}
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatDuration(s *amber.Snapshot) string {
	if s.FinishedAt.IsZero() {
		return "-"
	}
	return s.FinishedAt.Sub(s.CreatedAt).Round(time.Second).String()
}

// field prints an aligned "label: value" line.
func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Sprintf("%-14s", label+":"), value)
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// truncateLeft keeps the end of s so it fits in width columns.
func truncateLeft(s string, width int) string {
	r := []rune(s)
	if width <= 0 || len(r) <= width {
		return s
	}
	if width <= 3 {
		return string(r[len(r)-width:])
	}
	return "..." + string(r[len(r)-width+3:])
}

// progressPrinter renders run events. On a terminal it redraws a single
// status line per transferred file; otherwise it prints only milestones.
type progressPrinter struct {
	w     io.Writer
	live  bool
	width int
	files int
	drawn bool
}

func newProgressPrinter(f *os.File) *progressPrinter {
	p := &progressPrinter{w: f}
	if isTerminal(f) {
		p.live = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = w
		}
	}
	return p
}

func (p *progressPrinter) handle(ev amber.ProgressEvent) {
	switch ev.Type {
	case amber.EventRunStarted:
		fmt.Fprintf(p.w, "Creating snapshot %s\n", ev.SnapshotName)
	case amber.EventFile:
		p.files++
		if !p.live {
			return
		}
		line := fmt.Sprintf("%6d files %9s  ", p.files, formatBytes(ev.BytesTransferred))
		name := ev.File
		if p.width > 0 {
			name = truncateLeft(name, p.width-len(line)-1)
		}
		fmt.Fprintf(p.w, "\r\033[K%s%s", line, name)
		p.drawn = true
	case amber.EventRetry:
		p.clear()
		p.files = 0
		fmt.Fprintf(p.w, "%s attempt %d: %s\n", warnStyle.Sprint("retrying"), ev.Attempt, ev.Err)
	}
}

func (p *progressPrinter) clear() {
	if p.drawn {
		fmt.Fprint(p.w, "\r\033[K")
		p.drawn = false
	}
}

// confirm asks a yes/no question on stdin. Without a terminal the answer
// is no.
func confirm(prompt string) bool {
	if !isTerminal(os.Stdin) {
		return false
	}
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func printSnapshot(w io.Writer, job *amber.Job, s *amber.Snapshot) {
	field(w, "Snapshot", s.Name)
	field(w, "ID", s.ID)
	field(w, "Job", job.Name)
	field(w, "Status", statusLabel(s))
	field(w, "Path", s.Path(job.DestinationRoot))
	if s.PredecessorName != "" {
		field(w, "Linked to", s.PredecessorName)
	} else {
		field(w, "Linked to", dimStyle.Sprint("none (full copy)"))
	}
	field(w, "Started", formatTime(s.CreatedAt))
	field(w, "Finished", formatTime(s.FinishedAt))
	field(w, "Duration", formatDuration(s))
	if s.Attempts > 0 {
		field(w, "Attempts", s.Attempts)
	}
	if s.Status == amber.StatusComplete {
		field(w, "Transferred", fmt.Sprintf("%s in %d files", formatBytes(s.Stats.BytesSent), s.Stats.FilesChanged))
		field(w, "Size", fmt.Sprintf("%s in %d entries", formatBytes(s.Stats.TotalSize), s.Stats.FilesTotal))
	}
	if s.ExitCode != nil {
		field(w, "Exit code", *s.ExitCode)
	}
	if s.ErrorKind != amber.KindNone {
		field(w, "Error", fmt.Sprintf("%s: %s", s.ErrorKind, s.ErrorMessage))
	}
	if len(s.FailedPaths) > 0 {
		fmt.Fprintf(w, "%s\n", warnStyle.Sprintf("%d path(s) could not be copied:", len(s.FailedPaths)))
		for _, p := range s.FailedPaths {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
}
