// SPDX-License-Identifier: MIT

// Package jobstore is the durable registry of transcode jobs, backed by a
// single SQLite table. Job ids are derived from the source path so that
// identical inputs coalesce onto one row.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schemaVersion = 1

// Status enumerates the job lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Job is one transcode job row.
type Job struct {
	ID           string     `json:"id"`
	InputPath    string     `json:"input_path"`
	OutputPath   string     `json:"output_path"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Store persists transcode jobs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if necessary) the job database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS transcode_jobs (
		id TEXT PRIMARY KEY,
		input_path TEXT NOT NULL,
		output_path TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		completed_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON transcode_jobs(status, created_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateOrGet returns the job for the given source, creating it when absent.
// The boolean reports whether the caller should enqueue the job: true for
// new rows and for failed/pending rows (which are reset for retry), false
// when the job is already complete or being processed.
func (s *Store) CreateOrGet(ctx context.Context, id, inputPath, outputPath string) (*Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, selectJobSQL+" WHERE id = ?", id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := s.now()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transcode_jobs (id, input_path, output_path, status, progress, created_at_ms)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			id, inputPath, outputPath, StatusPending, now.UnixMilli())
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return &Job{
			ID:         id,
			InputPath:  inputPath,
			OutputPath: outputPath,
			Status:     StatusPending,
			CreatedAt:  now,
		}, true, nil

	case err != nil:
		return nil, false, err
	}

	switch job.Status {
	case StatusComplete, StatusProcessing:
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return job, false, nil

	default: // failed or pending: reset for (re-)enqueue
		_, err := tx.ExecContext(ctx,
			`UPDATE transcode_jobs
			 SET status = ?, progress = 0, error_message = NULL,
			     started_at_ms = NULL, completed_at_ms = NULL
			 WHERE id = ?`,
			StatusPending, id)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		job.Status = StatusPending
		job.Progress = 0
		job.ErrorMessage = ""
		job.StartedAt = nil
		job.CompletedAt = nil
		return job, true, nil
	}
}

// ClaimNext atomically selects the oldest pending job and marks it
// processing. Returns nil when no job is pending.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx,
		selectJobSQL+" WHERE status = ? ORDER BY created_at_ms ASC LIMIT 1", StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	_, err = tx.ExecContext(ctx,
		`UPDATE transcode_jobs SET status = ?, progress = 0, started_at_ms = ? WHERE id = ?`,
		StatusProcessing, now.UnixMilli(), job.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = StatusProcessing
	job.Progress = 0
	job.StartedAt = &now
	return job, nil
}

// Finish records the outcome of a job run.
func (s *Store) Finish(ctx context.Context, id string, ok bool, errMsg string) error {
	now := s.now()
	if ok {
		_, err := s.db.ExecContext(ctx,
			`UPDATE transcode_jobs
			 SET status = ?, progress = 100, error_message = NULL, completed_at_ms = ?
			 WHERE id = ?`,
			StatusComplete, now.UnixMilli(), id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE transcode_jobs SET status = ?, error_message = ?, completed_at_ms = ? WHERE id = ?`,
		StatusFailed, errMsg, now.UnixMilli(), id)
	return err
}

// Status returns the job with the given id, or nil when unknown.
func (s *Store) Status(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ResetStuck returns jobs left in processing by a crashed run to pending so
// the worker picks them up again. Called once at startup, before the worker
// starts.
func (s *Store) ResetStuck(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcode_jobs
		 SET status = ?, progress = 0, started_at_ms = NULL
		 WHERE status = ?`,
		StatusPending, StatusProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const selectJobSQL = `
	SELECT id, input_path, output_path, status, progress,
	       COALESCE(error_message, ''), created_at_ms, started_at_ms, completed_at_ms
	FROM transcode_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		status      string
		createdMs   int64
		startedMs   sql.NullInt64
		completedMs sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.InputPath, &j.OutputPath, &status, &j.Progress,
		&j.ErrorMessage, &createdMs, &startedMs, &completedMs)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.CreatedAt = time.UnixMilli(createdMs)
	if startedMs.Valid {
		t := time.UnixMilli(startedMs.Int64)
		j.StartedAt = &t
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}
