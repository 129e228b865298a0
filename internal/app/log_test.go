package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAmberHandler_Handle(t *testing.T) {
	ts := time.Date(2025, 2, 9, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   slog.LevelInfo,
			message: "snapshot complete",
			want:    "2025-02-09T14:30:45Z\tINFO\top-123\tsnapshot complete\n",
		},
		{
			name:    "warn level",
			opID:    "op-456",
			level:   slog.LevelWarn,
			message: "snapshot cancelled",
			want:    "2025-02-09T14:30:45Z\tWARN\top-456\tsnapshot cancelled\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-789",
			level:   slog.LevelInfo,
			message: "run started",
			attrs:   []slog.Attr{slog.String("job", "docs"), slog.Int("attempt", 2)},
			want:    "2025-02-09T14:30:45Z\tINFO\top-789\trun started\tjob=docs\tattempt=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &amberHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestAmberHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &amberHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "scheduler")}).(*amberHandler)
	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "poll", 0)
	r.AddAttrs(slog.String("key", "abc"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	for _, want := range []string{"a=1", "component=scheduler", "key=abc"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}

func TestAmberHandler_Enabled(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Leveler
		check slog.Level
		want  bool
	}{
		{name: "no level accepts debug", check: slog.LevelDebug, want: true},
		{name: "info drops debug", level: slog.LevelInfo, check: slog.LevelDebug, want: false},
		{name: "info accepts info", level: slog.LevelInfo, check: slog.LevelInfo, want: true},
		{name: "warn drops info", level: slog.LevelWarn, check: slog.LevelInfo, want: false},
		{name: "warn accepts error", level: slog.LevelWarn, check: slog.LevelError, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &amberHandler{level: tt.level}
			if got := h.Enabled(context.Background(), tt.check); got != tt.want {
				t.Errorf("Enabled(%v) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var stderr bytes.Buffer

	logger, f, err := newLogger(dir, "test-op", slog.LevelInfo, slog.LevelWarn, &stderr)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("hidden everywhere")
	logger.Info("file only")
	logger.Warn("both")
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	file := string(data)
	if strings.Contains(file, "hidden everywhere") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(file, "file only") || !strings.Contains(file, "both") {
		t.Errorf("log file = %q", file)
	}
	if got := stderr.String(); strings.Contains(got, "file only") || !strings.Contains(got, "\ttest-op\tboth\n") {
		t.Errorf("stderr = %q", got)
	}
}
