package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ScheduleRow struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	CronExpr   string         `json:"cron_expr"`
	Type       string         `json:"type"`
	Config     map[string]any `json:"config"`
	Enabled    bool           `json:"enabled"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastStatus string         `json:"last_status,omitempty"`
	LastOutput string         `json:"last_output,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (s *Store) CreateSchedule(ctx context.Context, row ScheduleRow) (*ScheduleRow, error) {
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	cfg, err := marshalJSONObject(row.Config)
	if err != nil {
		return nil, fmt.Errorf("store: schedule config: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expr, type, config, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Name, row.CronExpr, row.Type, cfg, boolToInt(row.Enabled), now, now,
	); err != nil {
		return nil, fmt.Errorf("store: create schedule: %w", err)
	}
	return &row, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, row ScheduleRow) (*ScheduleRow, error) {
	row.UpdatedAt = time.Now().UTC()
	cfg, err := marshalJSONObject(row.Config)
	if err != nil {
		return nil, fmt.Errorf("store: schedule config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET name = ?, cron_expr = ?, type = ?, config = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		row.Name, row.CronExpr, row.Type, cfg, boolToInt(row.Enabled), row.UpdatedAt, row.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduleRow, error) {
	row, err := s.scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, type, config, enabled, last_run_at, last_status, last_output, created_at, updated_at
		 FROM schedules WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]ScheduleRow, error) {
	query := `SELECT id, name, cron_expr, type, config, enabled, last_run_at, last_status, last_output, created_at, updated_at
	          FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRow
	for rows.Next() {
		row, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// RecordScheduleRun stamps the latest fire outcome on the row.
func (s *Store) RecordScheduleRun(ctx context.Context, id, status, output string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, last_status = ?, last_output = ?, updated_at = ? WHERE id = ?`,
		now, status, output, now, id)
	if err != nil {
		return fmt.Errorf("store: record schedule run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSchedule(scanner rowScanner) (*ScheduleRow, error) {
	var (
		row       ScheduleRow
		config    string
		enabled   int
		lastRunAt sql.NullTime
	)
	err := scanner.Scan(&row.ID, &row.Name, &row.CronExpr, &row.Type, &config, &enabled,
		&lastRunAt, &row.LastStatus, &row.LastOutput, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan schedule: %w", err)
	}
	row.Enabled = enabled != 0
	if lastRunAt.Valid {
		row.LastRunAt = &lastRunAt.Time
	}
	row.Config = decodeJSONObject(config)
	return &row, nil
}

// decodeJSONObject tolerates corrupted rows: invalid JSON decodes to an empty
// object rather than failing the read path.
func decodeJSONObject(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func marshalJSONObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
