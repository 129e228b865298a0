package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"amber-go/internal/amber"
	"amber-go/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements amber.MetadataStore on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens a SQLite store. path can be a file path or ":memory:".
// The schema is not migrated; see MigrateUp.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing connection, which must have been
// opened with OpenConnection.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite connection.
// The pool is limited to one connection: per-connection PRAGMAs then apply
// to every statement, and ":memory:" databases are not split across
// connections.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Job operations

const jobColumns = `id, name, source_path, destination_root, schedule, excludes, extra_flags,
	retention, created_at, updated_at, last_run_at`

func (s *SQLiteStore) CreateJob(job *amber.Job) error {
	excludes, flags, retention, err := encodeJobFields(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.SourcePath, job.DestinationRoot, job.Schedule, excludes, flags,
		retention, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.LastRunAt))
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJob(job *amber.Job) error {
	excludes, flags, retention, err := encodeJobFields(job)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE jobs SET name = ?, source_path = ?, destination_root = ?, schedule = ?,
		excludes = ?, extra_flags = ?, retention = ?, updated_at = ? WHERE id = ?`,
		job.Name, job.SourcePath, job.DestinationRoot, job.Schedule, excludes, flags, retention,
		job.UpdatedAt.UTC(), job.ID)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return expectOneRow(res, "job "+job.ID)
}

func (s *SQLiteStore) DeleteJob(jobID string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return expectOneRow(res, "job "+jobID)
}

func (s *SQLiteStore) FindJob(jobID string) (*amber.Job, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) FindJobByName(name string) (*amber.Job, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding job by name: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs() ([]*amber.Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*amber.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) RecordJobRun(jobID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs SET last_run_at = ? WHERE id = ?`, at.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("recording job run: %w", err)
	}
	return expectOneRow(res, "job "+jobID)
}

// Snapshot operations

const snapshotColumns = `id, job_id, name, status, predecessor_id, predecessor_name, created_at,
	finished_at, bytes_sent, files_changed, files_total, total_size, failed_paths, error_kind,
	error_message, exit_code, attempts`

func (s *SQLiteStore) InsertPendingSnapshot(snap *amber.Snapshot) error {
	_, err := s.db.Exec(`INSERT INTO snapshots (id, job_id, name, status, predecessor_id, predecessor_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.JobID, snap.Name, amber.StatusPending,
		nullString(snap.PredecessorID), nullString(snap.PredecessorName), snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	snap.Status = amber.StatusPending
	return nil
}

func (s *SQLiteStore) MarkSnapshotRunning(snapshotID string, attempt int) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkUnfinished(ctx, tx, snapshotID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE snapshots SET status = ?, attempts = ? WHERE id = ?`,
		amber.StatusRunning, attempt, snapshotID); err != nil {
		return fmt.Errorf("marking snapshot running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CommitSnapshot(snapshotID string, outcome amber.Outcome) error {
	if !outcome.Status.Finished() {
		return fmt.Errorf("cannot commit snapshot with status %q", outcome.Status)
	}
	failedPaths, err := encodeList(outcome.FailedPaths)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkUnfinished(ctx, tx, snapshotID); err != nil {
		return err
	}

	var exitCode sql.NullInt64
	if outcome.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*outcome.ExitCode), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `UPDATE snapshots SET status = ?, finished_at = ?, bytes_sent = ?,
		files_changed = ?, files_total = ?, total_size = ?, failed_paths = ?, error_kind = ?,
		error_message = ?, exit_code = ?, attempts = MAX(attempts, ?) WHERE id = ?`,
		outcome.Status, outcome.FinishedAt.UTC(), outcome.Stats.BytesSent, outcome.Stats.FilesChanged,
		outcome.Stats.FilesTotal, outcome.Stats.TotalSize, failedPaths, string(outcome.ErrorKind),
		outcome.ErrorMessage, exitCode, outcome.Attempts, snapshotID)
	if err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// checkUnfinished fails unless the snapshot exists and is pending or running.
func checkUnfinished(ctx context.Context, tx *sql.Tx, snapshotID string) error {
	var status amber.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM snapshots WHERE id = ?`, snapshotID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: snapshot %s", amber.ErrNotFound, snapshotID)
		}
		return fmt.Errorf("reading snapshot status: %w", err)
	}
	if status.Finished() {
		return fmt.Errorf("%w: snapshot %s is %s", amber.ErrAlreadyFinalized, snapshotID, status)
	}
	return nil
}

func (s *SQLiteStore) FindSnapshot(snapshotID string) (*amber.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, snapshotID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) FindSnapshotByName(jobID, name string) (*amber.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots
		WHERE job_id = ? AND name = ?`, jobID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding snapshot by name: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) LatestCompleteSnapshot(jobID string) (*amber.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots
		WHERE job_id = ? AND status = ? ORDER BY name DESC LIMIT 1`, jobID, amber.StatusComplete))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding latest complete snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) LatestSnapshotName(jobID string) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM snapshots WHERE job_id = ? ORDER BY name DESC LIMIT 1`, jobID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("finding latest snapshot name: %w", err)
	}
	return name, nil
}

func (s *SQLiteStore) ListSnapshots(jobID string, page amber.Page) (*amber.SnapshotPage, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	result := &amber.SnapshotPage{Page: page}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE job_id = ?`, jobID).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("counting snapshots: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE job_id = ?
		ORDER BY name DESC LIMIT ? OFFSET ?`, jobID, limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	result.Snapshots, err = collectSnapshots(rows)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) ListSnapshotsByStatus(jobID string, status amber.Status) ([]*amber.Snapshot, error) {
	rows, err := s.db.Query(`SELECT `+snapshotColumns+` FROM snapshots WHERE job_id = ? AND status = ?
		ORDER BY name DESC`, jobID, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s snapshots: %w", status, err)
	}
	return collectSnapshots(rows)
}

func (s *SQLiteStore) HasInFlightSuccessor(snapshotID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM snapshots WHERE predecessor_id = ? AND status IN (?, ?))`,
		snapshotID, amber.StatusPending, amber.StatusRunning).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking in-flight successors: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) DeleteSnapshot(snapshotID string) error {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, snapshotID)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return expectOneRow(res, "snapshot "+snapshotID)
}

func (s *SQLiteStore) FailUnfinishedSnapshots(jobID string, outcome amber.Outcome) ([]*amber.Snapshot, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE job_id = ? AND status IN (?, ?)
		ORDER BY name`, jobID, amber.StatusPending, amber.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("finding unfinished snapshots: %w", err)
	}
	unfinished, err := collectSnapshots(rows)
	if err != nil {
		return nil, err
	}

	for _, snap := range unfinished {
		_, err := tx.ExecContext(ctx, `UPDATE snapshots SET status = ?, finished_at = ?, error_kind = ?,
			error_message = ? WHERE id = ?`,
			amber.StatusFailed, outcome.FinishedAt.UTC(), string(outcome.ErrorKind), outcome.ErrorMessage, snap.ID)
		if err != nil {
			return nil, fmt.Errorf("failing snapshot %s: %w", snap.Name, err)
		}
		snap.Status = amber.StatusFailed
		snap.FinishedAt = outcome.FinishedAt.UTC()
		snap.ErrorKind = outcome.ErrorKind
		snap.ErrorMessage = outcome.ErrorMessage
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return unfinished, nil
}

// CheckIntegrity runs SQLite's own checks, verifies the schema version and
// looks for rows that violate the snapshot lifecycle.
func (s *SQLiteStore) CheckIntegrity() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", amber.ErrMetadataCorruption, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check: %s", amber.ErrMetadataCorruption, result)
	}

	if err := migrations.CheckDBMigrationStatus(s.db); err != nil {
		return fmt.Errorf("%w: %v", amber.ErrMetadataCorruption, err)
	}

	rows, err := s.db.Query(`PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("%w: %v", amber.ErrMetadataCorruption, err)
	}
	violations := rows.Next()
	rows.Close()
	if violations {
		return fmt.Errorf("%w: foreign key violations", amber.ErrMetadataCorruption)
	}

	var inconsistent int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM snapshots
		WHERE (status IN (?, ?) AND finished_at IS NULL)
		   OR (status IN (?, ?) AND finished_at IS NOT NULL)`,
		amber.StatusComplete, amber.StatusFailed, amber.StatusPending, amber.StatusRunning).Scan(&inconsistent)
	if err != nil {
		return fmt.Errorf("%w: %v", amber.ErrMetadataCorruption, err)
	}
	if inconsistent > 0 {
		return fmt.Errorf("%w: %d snapshot(s) with inconsistent lifecycle state", amber.ErrMetadataCorruption, inconsistent)
	}
	return nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// SchemaStatus reports the schema version relative to this binary's migrations.
func (s *SQLiteStore) SchemaStatus() (migrations.Status, error) {
	return migrations.ReadStatus(s.db)
}

// MigrateUp applies pending schema migrations.
func (s *SQLiteStore) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Path returns the database file path, or "" for a wrapped connection.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Row helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*amber.Job, error) {
	var (
		job                        amber.Job
		excludes, flags, retention string
		lastRunAt                  sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Name, &job.SourcePath, &job.DestinationRoot, &job.Schedule,
		&excludes, &flags, &retention, &job.CreatedAt, &job.UpdatedAt, &lastRunAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(excludes), &job.Excludes); err != nil {
		return nil, fmt.Errorf("decoding excludes of job %s: %w", job.Name, err)
	}
	if err := json.Unmarshal([]byte(flags), &job.ExtraFlags); err != nil {
		return nil, fmt.Errorf("decoding flags of job %s: %w", job.Name, err)
	}
	if err := json.Unmarshal([]byte(retention), &job.Retention); err != nil {
		return nil, fmt.Errorf("decoding retention of job %s: %w", job.Name, err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if lastRunAt.Valid {
		job.LastRunAt = lastRunAt.Time.UTC()
	}
	return &job, nil
}

func scanSnapshot(row rowScanner) (*amber.Snapshot, error) {
	var (
		snap                           amber.Snapshot
		predecessorID, predecessorName sql.NullString
		finishedAt                     sql.NullTime
		failedPaths, errorKind         string
		exitCode                       sql.NullInt64
	)
	err := row.Scan(&snap.ID, &snap.JobID, &snap.Name, &snap.Status, &predecessorID, &predecessorName,
		&snap.CreatedAt, &finishedAt, &snap.Stats.BytesSent, &snap.Stats.FilesChanged,
		&snap.Stats.FilesTotal, &snap.Stats.TotalSize, &failedPaths, &errorKind, &snap.ErrorMessage,
		&exitCode, &snap.Attempts)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(failedPaths), &snap.FailedPaths); err != nil {
		return nil, fmt.Errorf("decoding failed paths of snapshot %s: %w", snap.Name, err)
	}
	snap.PredecessorID = predecessorID.String
	snap.PredecessorName = predecessorName.String
	snap.CreatedAt = snap.CreatedAt.UTC()
	if finishedAt.Valid {
		snap.FinishedAt = finishedAt.Time.UTC()
	}
	snap.ErrorKind = amber.ErrorKind(errorKind)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		snap.ExitCode = &code
	}
	return &snap, nil
}

func collectSnapshots(rows *sql.Rows) ([]*amber.Snapshot, error) {
	defer rows.Close()
	var snapshots []*amber.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}
	return snapshots, nil
}

func encodeJobFields(job *amber.Job) (excludes, flags, retention string, err error) {
	if excludes, err = encodeList(job.Excludes); err != nil {
		return "", "", "", err
	}
	if flags, err = encodeList(job.ExtraFlags); err != nil {
		return "", "", "", err
	}
	b, err := json.Marshal(job.Retention)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding retention: %w", err)
	}
	return excludes, flags, string(b), nil
}

// encodeList stores string lists as JSON arrays; nil becomes "[]".
func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", amber.ErrNotFound, what)
	}
	return nil
}

var _ amber.MetadataStore = (*SQLiteStore)(nil)
