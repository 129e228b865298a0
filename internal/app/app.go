package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"amber-go/internal/amber"
	"amber-go/internal/config"
	"amber-go/internal/database"
	"amber-go/internal/database/migrations"
	"amber-go/internal/destination"
	"amber-go/internal/lease"
	"amber-go/internal/rsync"
)

const shutdownTimeout = 30 * time.Second

// LockDirName is the directory of run lease files inside data_dir.
const LockDirName = "locks"

// Options adjust how an AmberApp reports to the terminal.
type Options struct {
	// Verbose copies records at the configured log level to stderr.
	// Otherwise only warnings and errors reach stderr.
	Verbose bool
	Stderr  io.Writer
}

// AmberApp is the application layer between the CLI and the engine.
// It constructs all dependencies from config, tags log output with the
// operation being run, and shuts everything down on Close.
type AmberApp struct {
	cfg     *config.Config
	store   *database.SQLiteStore
	guard   *destination.Guard
	tool    *rsync.Tool
	engine  *amber.Engine
	clock   amber.Clock
	logger  *slog.Logger
	op      *Operation
	logFile *os.File
	openErr error
}

// NewAmberApp creates a fully wired AmberApp from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "Restore").
// A fresh database is migrated; an outdated one is refused. A store that
// fails its integrity check still yields an app so that repair can run;
// Health reports the failure. The caller must call Close when done.
func NewAmberApp(cfg *config.Config, operation string, opts Options) (*AmberApp, error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	stderrLevel := slog.LevelWarn
	if opts.Verbose {
		stderrLevel = level
	}

	clock := amber.RealClock{}
	op := NewOperation(operation, "", clock.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, level, stderrLevel, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	adapter := &slogAdapter{l: logger}

	fail := func(closers []io.Closer, err error) (*AmberApp, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return fail([]io.Closer{logFile}, fmt.Errorf("creating database: %w", err))
	}
	if err := prepareSchema(store, adapter); err != nil {
		return fail([]io.Closer{store, logFile}, err)
	}

	tool, err := newSyncTool(cfg.Sync, adapter)
	if err != nil {
		return fail([]io.Closer{store, logFile}, err)
	}

	guard := destination.NewGuard(destination.Options{
		Timeout:           cfg.Guard.Timeout.Duration,
		RequireMountPoint: cfg.Guard.RequireMountPoint,
	}, clock)

	locks, err := newRunLocks(cfg.Database, clock)
	if err != nil {
		return fail([]io.Closer{store, logFile}, err)
	}
	engineOpts := engineOptions(cfg)
	engineOpts.Locks = locks
	engine := amber.NewEngine(store, guard, tool, clock, amber.UUIDGenerator{}, adapter, engineOpts)

	a := &AmberApp{
		cfg:     cfg,
		store:   store,
		guard:   guard,
		tool:    tool,
		engine:  engine,
		clock:   clock,
		logger:  logger,
		op:      op,
		logFile: logFile,
	}

	if err := engine.Open(context.Background()); err != nil {
		if !errors.Is(err, amber.ErrMetadataCorruption) {
			return fail([]io.Closer{store, logFile}, fmt.Errorf("opening engine: %w", err))
		}
		a.openErr = err
	}
	logger.Debug("operation started", "operation", operation)
	return a, nil
}

// prepareSchema migrates a database that has never been migrated and
// refuses one whose schema differs from this binary's.
func prepareSchema(store *database.SQLiteStore, logger amber.Logger) error {
	st, err := store.SchemaStatus()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if st.Current == 0 && !st.Dirty {
		if err := store.MigrateUp(); err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		logger.Info("initialized metadata database", "schema_version", st.Latest)
		return nil
	}
	if !st.UpToDate() {
		if err := store.CheckMigrations(); err != nil {
			return fmt.Errorf("database schema out of date (run 'amber db migrate'): %w", err)
		}
	}
	return nil
}

func newSyncTool(cfg config.SyncConfig, logger amber.Logger) (*rsync.Tool, error) {
	switch cfg.Type {
	case "", "rsync":
		return rsync.New(rsync.Options{Path: cfg.RsyncPath}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sync tool type: %s", cfg.Type)
	}
}

// newRunLocks returns run leases shared by every process using the same
// database file. An in-memory database belongs to one process, so the
// engine's own leases suffice.
func newRunLocks(cfg config.DatabaseConfig, clock amber.Clock) (amber.RunLocks, error) {
	if cfg.Type != "sqlite" {
		return nil, nil
	}
	dir, err := lease.NewDir(filepath.Join(cfg.DataDir, LockDirName), clock)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// engineOptions maps the configuration onto the engine's options.
func engineOptions(cfg *config.Config) amber.EngineOptions {
	return amber.EngineOptions{
		Planner: amber.PlannerOptions{
			DefaultExcludes: cfg.Sync.DefaultExcludes,
			DefaultFlags:    cfg.Sync.DefaultFlags,
			MaxClockSkew:    cfg.Sync.MaxClockSkew.Duration,
		},
		Executor: amber.ExecutorOptions{
			MaxRetries:   cfg.Sync.MaxRetries,
			RetryBackoff: cfg.Sync.RetryBackoff.Duration,
			MaxBackoff:   cfg.Sync.MaxBackoff.Duration,
		},
		PollInterval:      cfg.Scheduler.PollInterval.Duration,
		MaxConcurrentRuns: cfg.Scheduler.MaxConcurrentRuns,
		CancelOnShutdown:  cfg.Scheduler.CancelOnShutdown,
		DefaultRetention:  cfg.Retention,
	}
}

// Engine returns the wired engine.
func (a *AmberApp) Engine() *amber.Engine {
	return a.engine
}

// Config returns the configuration the app was built from.
func (a *AmberApp) Config() *config.Config {
	return a.cfg
}

// Operation returns the operation this app was created for.
func (a *AmberApp) Operation() *Operation {
	return a.op
}

// Health returns the integrity failure found at startup, if any.
func (a *AmberApp) Health() error {
	return a.openErr
}

// Sync runs a job now and waits for it. progress receives every event of
// this run until it finishes. Cancelling ctx cancels the run; Sync still
// waits for the failed snapshot to be recorded.
func (a *AmberApp) Sync(ctx context.Context, ref string, progress func(amber.ProgressEvent)) (*amber.RunResult, error) {
	events, unsubscribe := a.engine.Subscribe(256)
	defer unsubscribe()

	run, err := a.engine.StartRun(ctx, ref, amber.TriggerManual)
	if err != nil {
		return nil, err
	}
	a.op.Parameters = run.JobName

	for {
		select {
		case ev := <-events:
			if ev.RunID == run.ID && progress != nil {
				progress(ev)
			}
		case <-run.Done():
			return run.Wait(context.Background())
		}
	}
}

// Daemon runs the scheduler until ctx is cancelled, then shuts the engine
// down. In-flight runs are cancelled or awaited per scheduler config.
func (a *AmberApp) Daemon(ctx context.Context) error {
	if err := a.engine.StartScheduler(ctx); err != nil {
		return err
	}
	events, unsubscribe := a.engine.Subscribe(256)
	defer unsubscribe()

	a.logger.Info("daemon started", "max_concurrent_runs", a.cfg.Scheduler.MaxConcurrentRuns)
	for {
		select {
		case ev := <-events:
			a.logEvent(ev)
		case <-ctx.Done():
			a.logger.Info("daemon stopping", "cause", context.Cause(ctx))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.engine.Shutdown(shutdownCtx)
		}
	}
}

func (a *AmberApp) logEvent(ev amber.ProgressEvent) {
	switch ev.Type {
	case amber.EventRunFinished:
		if ev.Err != "" {
			a.logger.Warn("run finished with error", "job", ev.JobID, "snapshot", ev.SnapshotName, "status", ev.Status, "error", ev.Err)
			return
		}
		a.logger.Info("run finished", "job", ev.JobID, "snapshot", ev.SnapshotName, "status", ev.Status)
	case amber.EventRunSkipped:
		a.logger.Debug("run skipped", "job", ev.JobID, "reason", ev.Err)
	case amber.EventPruned:
		a.logger.Debug("snapshot pruned", "job", ev.JobID, "snapshot", ev.SnapshotName)
	}
}

// DestinationInfo describes a job's destination for diagnostics.
type DestinationInfo struct {
	Job      *amber.Job
	Marker   *destination.Marker // nil when there is no marker
	Usage    *destination.DiskUsage
	GuardErr error // nil when the destination passes the guard
}

// Destination reads a job's destination marker, checks it against the
// guard and reports free space.
func (a *AmberApp) Destination(ctx context.Context, ref string) (*DestinationInfo, error) {
	job, err := a.engine.GetJob(ref)
	if err != nil {
		return nil, err
	}
	info := &DestinationInfo{Job: job}
	info.GuardErr = a.guard.Validate(ctx, job.DestinationRoot, job.ID)

	marker, err := a.guard.ReadMarker(ctx, job.DestinationRoot)
	if err == nil {
		info.Marker = marker
	}
	if usage, err := a.guard.Usage(ctx, job.DestinationRoot); err == nil {
		info.Usage = &usage
	}
	return info, nil
}

// RsyncVersion returns the first line of the configured rsync's version output.
func (a *AmberApp) RsyncVersion(ctx context.Context) (string, error) {
	return a.tool.Version(ctx)
}

// Finish records the outcome of the operation in the log.
func (a *AmberApp) Finish(err error) {
	a.op.Finish(err, a.clock.Now())
	args := []any{"operation", a.op.Name, "status", a.op.Status, "duration", a.op.Duration().Round(time.Millisecond)}
	if a.op.Parameters != "" {
		args = append(args, "parameters", a.op.Parameters)
	}
	if err != nil {
		a.logger.Error("operation failed", append(args, "kind", a.op.Kind, "error", err)...)
		return
	}
	a.logger.Debug("operation finished", args...)
}

// Close shuts the engine down, waiting for in-flight runs, then closes the
// database and the log file.
func (a *AmberApp) Close() error {
	if !a.op.Finished() {
		a.Finish(nil)
	}

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down engine: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// DatabaseStatus reports the schema version of the configured database
// without changing it.
func DatabaseStatus(cfg *config.Config) (migrations.Status, error) {
	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return migrations.Status{}, fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()
	return store.SchemaStatus()
}

// MigrateDatabase applies pending migrations and returns the schema status
// before and after.
func MigrateDatabase(cfg *config.Config) (before, after migrations.Status, err error) {
	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return before, after, fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	if before, err = store.SchemaStatus(); err != nil {
		return before, after, err
	}
	if err := store.MigrateUp(); err != nil {
		return before, after, err
	}
	after, err = store.SchemaStatus()
	return before, after, err
}

// BackupDatabase writes a consistent copy of the configured database to
// path, compressed when path ends in .gz or .zst.
func BackupDatabase(cfg *config.Config, path string) error {
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	store, err := database.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()
	return store.Export(path)
}
