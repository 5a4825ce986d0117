package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job types accepted by the dispatcher.
const (
	JobTypeAgent   = "agent"
	JobTypeCommand = "command"
	JobTypeHTTP    = "http"
)

type JobRow struct {
	JobID      string    `json:"job_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal reports whether the row admits no further transitions.
func (j JobRow) Terminal() bool {
	return j.Status == "completed" || j.Status == "failed"
}

func ValidJobType(t string) bool {
	switch t {
	case JobTypeAgent, JobTypeCommand, JobTypeHTTP:
		return true
	}
	return false
}

func (s *Store) CreateJob(ctx context.Context, jobID, jobType, status, source string) (*JobRow, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, type, status, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, jobType, status, source, now, now,
	); err != nil {
		return nil, fmt.Errorf("store: create job: %w", err)
	}
	return &JobRow{JobID: jobID, Type: jobType, Status: status, Source: source, CreatedAt: now, UpdatedAt: now}, nil
}

// JobUpdate carries one status transition as received from a worker.
type JobUpdate struct {
	Status     string
	WorkerID   string
	Result     string
	Error      string
	DurationMs int64
}

// ApplyJobUpdate persists a transition unless the row is already terminal.
// Terminal rows are immutable; a late update reports applied=false.
func (s *Store) ApplyJobUpdate(ctx context.Context, jobID string, update JobUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   status = ?,
		   worker_id = CASE WHEN ? != '' THEN ? ELSE worker_id END,
		   result = CASE WHEN ? != '' THEN ? ELSE result END,
		   error = CASE WHEN ? != '' THEN ? ELSE error END,
		   duration_ms = CASE WHEN ? > 0 THEN ? ELSE duration_ms END,
		   updated_at = ?
		 WHERE job_id = ? AND status NOT IN ('completed', 'failed')`,
		update.Status,
		update.WorkerID, update.WorkerID,
		update.Result, update.Result,
		update.Error, update.Error,
		update.DurationMs, update.DurationMs,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return false, fmt.Errorf("store: apply job update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*JobRow, error) {
	var j JobRow
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, type, status, worker_id, result, error, duration_ms, source, created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&j.JobID, &j.Type, &j.Status, &j.WorkerID, &j.Result, &j.Error, &j.DurationMs, &j.Source, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return &j, nil
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]JobRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT job_id, type, status, worker_id, result, error, duration_ms, source, created_at, updated_at
	          FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		var j JobRow
		if err := rows.Scan(&j.JobID, &j.Type, &j.Status, &j.WorkerID, &j.Result, &j.Error, &j.DurationMs, &j.Source, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListStaleJobs returns non-terminal jobs whose last update is older than
// cutoff. The reaper force-fails these.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]JobRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, type, status, worker_id, result, error, duration_ms, source, created_at, updated_at
		 FROM jobs
		 WHERE status IN ('dispatched', 'received', 'running') AND updated_at < ?`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		var j JobRow
		if err := rows.Scan(&j.JobID, &j.Type, &j.Status, &j.WorkerID, &j.Result, &j.Error, &j.DurationMs, &j.Source, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan stale job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountActiveJobs counts jobs currently in flight, for handoff notes.
func (s *Store) CountActiveJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN ('dispatched', 'received', 'running')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active jobs: %w", err)
	}
	return n, nil
}
