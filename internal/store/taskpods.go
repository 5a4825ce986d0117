package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cortex/internal/security/redaction"
)

// Task pod execution modes.
const (
	TaskModeAgent  = "agent"
	TaskModeScript = "script"
)

type TaskPodRow struct {
	TaskID       string    `json:"task_id"`
	Recipe       string    `json:"recipe,omitempty"`
	Toolbox      string    `json:"toolbox"`
	Mode         string    `json:"mode"`
	Goal         string    `json:"goal"`
	Mounts       []string  `json:"mounts,omitempty"`
	JobName      string    `json:"job_name"`
	Status       string    `json:"status"`
	Result       string    `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Store) CreateTaskPod(ctx context.Context, row TaskPodRow) (*TaskPodRow, error) {
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	mounts, err := marshalJSONArray(row.Mounts)
	if err != nil {
		return nil, fmt.Errorf("store: task mounts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO task_pods (task_id, recipe, toolbox, mode, goal, mounts, job_name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.TaskID, row.Recipe, row.Toolbox, row.Mode, row.Goal, mounts, row.JobName, row.Status, now, now,
	); err != nil {
		return nil, fmt.Errorf("store: create task pod: %w", err)
	}
	return &row, nil
}

// FinishTaskPod records the terminal outcome for a task pod.
func (s *Store) FinishTaskPod(ctx context.Context, taskID, status, result, errMsg string, durationMs int64, filesChanged []string, traceID string) error {
	files, err := marshalJSONArray(filesChanged)
	if err != nil {
		return fmt.Errorf("store: task files: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_pods SET status = ?, result = ?, error = ?, duration_ms = ?, files_changed = ?, trace_id = ?, updated_at = ?
		 WHERE task_id = ?`,
		status, result, errMsg, durationMs, files, traceID, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("store: finish task pod: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetTaskPod(ctx context.Context, taskID string) (*TaskPodRow, error) {
	return s.scanTaskPod(s.db.QueryRowContext(ctx, selectTaskPod+` WHERE task_id = ?`, taskID))
}

func (s *Store) ListTaskPods(ctx context.Context, limit int) ([]TaskPodRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectTaskPod+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list task pods: %w", err)
	}
	defer rows.Close()

	var out []TaskPodRow
	for rows.Next() {
		row, err := s.scanTaskPod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

const selectTaskPod = `SELECT task_id, recipe, toolbox, mode, goal, mounts, job_name, status,
       result, error, duration_ms, files_changed, trace_id, created_at, updated_at
FROM task_pods`

func (s *Store) scanTaskPod(scanner rowScanner) (*TaskPodRow, error) {
	var (
		row    TaskPodRow
		mounts string
		files  string
	)
	err := scanner.Scan(&row.TaskID, &row.Recipe, &row.Toolbox, &row.Mode, &row.Goal, &mounts,
		&row.JobName, &row.Status, &row.Result, &row.Error, &row.DurationMs, &files,
		&row.TraceID, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task pod: %w", err)
	}
	row.Mounts = decodeJSONArray(mounts)
	row.FilesChanged = decodeJSONArray(files)
	return &row, nil
}

// Secret is a stored credential. Read paths must mask the value.
type Secret struct {
	Key       string    `json:"key"`
	Value     string    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PutSecret inserts or replaces a secret by key.
func (s *Store) PutSecret(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("store: put secret: %w", err)
	}
	return nil
}

// GetSecret returns the raw value. Callers outside the worker-env path must
// mask before exposing it.
func (s *Store) GetSecret(ctx context.Context, key string) (*Secret, error) {
	var sec Secret
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM secrets WHERE key = ?`, key,
	).Scan(&sec.Key, &sec.Value, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get secret: %w", err)
	}
	return &sec, nil
}

func (s *Store) ListSecrets(ctx context.Context) ([]Secret, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM secrets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	defer rows.Close()

	var out []Secret
	for rows.Next() {
		var sec Secret
		if err := rows.Scan(&sec.Key, &sec.Value, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan secret: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarshalJSON renders a secret with its value masked. The raw value never
// leaves the store through JSON.
func (sec Secret) MarshalJSON() ([]byte, error) {
	masked := struct {
		Key       string    `json:"key"`
		Value     string    `json:"value"`
		UpdatedAt time.Time `json:"updated_at"`
	}{
		Key:       sec.Key,
		Value:     redaction.Mask(sec.Value),
		UpdatedAt: sec.UpdatedAt,
	}
	return json.Marshal(masked)
}
