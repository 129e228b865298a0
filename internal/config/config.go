package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"amber-go/internal/amber"
)

// Config represents the main configuration for amber.
type Config struct {
	BaseDir   string                `toml:"base_dir"`
	LogDir    string                `toml:"log_dir"`
	LogLevel  string                `toml:"log_level"` // "debug", "info" (default), "warn" or "error"
	Database  DatabaseConfig        `toml:"database"`
	Sync      SyncConfig            `toml:"sync"`
	Guard     GuardConfig           `toml:"guard"`
	Scheduler SchedulerConfig       `toml:"scheduler"`
	Retention amber.RetentionPolicy `toml:"retention"` // default policy for new jobs
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SyncConfig configures the external sync tool and the retry policy around it.
type SyncConfig struct {
	Type            string   `toml:"type"`                 // "rsync" (default)
	RsyncPath       string   `toml:"rsync_path,omitempty"` // defaults to "rsync" on PATH
	DefaultFlags    []string `toml:"default_flags"`
	DefaultExcludes []string `toml:"default_excludes"`
	MaxRetries      int      `toml:"max_retries"`
	RetryBackoff    Duration `toml:"retry_backoff"`
	MaxBackoff      Duration `toml:"max_backoff"`
	MaxClockSkew    Duration `toml:"max_clock_skew"`
}

// GuardConfig configures destination validation.
type GuardConfig struct {
	Timeout           Duration `toml:"timeout"`
	RequireMountPoint bool     `toml:"require_mount_point"`
}

// SchedulerConfig configures the background scheduler.
type SchedulerConfig struct {
	PollInterval      Duration `toml:"poll_interval"`
	MaxConcurrentRuns int64    `toml:"max_concurrent_runs"`
	CancelOnShutdown  bool     `toml:"cancel_on_shutdown"`
}

// Duration is a time.Duration written as a string such as "30s" or "1m".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Sync: SyncConfig{
			Type:         "rsync",
			MaxRetries:   3,
			RetryBackoff: D(2 * time.Second),
			MaxBackoff:   D(time.Minute),
			MaxClockSkew: D(24 * time.Hour),
		},
		Guard: GuardConfig{
			Timeout: D(10 * time.Second),
		},
		Scheduler: SchedulerConfig{
			PollInterval:      D(30 * time.Second),
			MaxConcurrentRuns: 2,
		},
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Scheduler.MaxConcurrentRuns < 0 {
		return fmt.Errorf("scheduler.max_concurrent_runs must not be negative")
	}
	for name, d := range map[string]Duration{
		"sync.retry_backoff":      c.Sync.RetryBackoff,
		"sync.max_backoff":        c.Sync.MaxBackoff,
		"sync.max_clock_skew":     c.Sync.MaxClockSkew,
		"guard.timeout":           c.Guard.Timeout,
		"scheduler.poll_interval": c.Scheduler.PollInterval,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
