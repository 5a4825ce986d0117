package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Skill tiers. Instruction skills inject prompt text; the other tiers bind an
// MCP endpoint.
const (
	TierInstruction = "instruction"
	TierStdio       = "stdio"
	TierSidecar     = "sidecar"
	TierService     = "service"
)

// Skill owners. Agent-owned rows may be mutated through manage_skill;
// system-owned rows may not.
const (
	OwnerSystem = "system"
	OwnerAgent  = "agent"
)

// Skill transports for MCP-backed tiers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

func ValidTier(tier string) bool {
	switch tier {
	case TierInstruction, TierStdio, TierSidecar, TierService:
		return true
	}
	return false
}

type SkillRow struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Version            string         `json:"version,omitempty"`
	Description        string         `json:"description,omitempty"`
	Tier               string         `json:"tier"`
	Transport          string         `json:"transport,omitempty"`
	Enabled            bool           `json:"enabled"`
	Config             map[string]any `json:"config"`
	Owner              string         `json:"owner"`
	StdioCommand       string         `json:"stdio_command,omitempty"`
	StdioArgs          []string       `json:"stdio_args,omitempty"`
	HTTPURL            string         `json:"http_url,omitempty"`
	InstructionPath    string         `json:"instruction_path,omitempty"`
	InstructionContent string         `json:"instruction_content,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (s *Store) CreateSkill(ctx context.Context, row SkillRow) (*SkillRow, error) {
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	if row.Owner == "" {
		row.Owner = OwnerSystem
	}
	cfg, err := marshalJSONObject(row.Config)
	if err != nil {
		return nil, fmt.Errorf("store: skill config: %w", err)
	}
	args, err := marshalJSONArray(row.StdioArgs)
	if err != nil {
		return nil, fmt.Errorf("store: skill stdio args: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (id, name, version, description, tier, transport, enabled, config, owner,
		                     stdio_command, stdio_args, http_url, instruction_path, instruction_content,
		                     created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Name, row.Version, row.Description, row.Tier, row.Transport,
		boolToInt(row.Enabled), cfg, row.Owner,
		row.StdioCommand, args, row.HTTPURL, row.InstructionPath, row.InstructionContent,
		now, now,
	); err != nil {
		return nil, fmt.Errorf("store: create skill: %w", err)
	}
	return &row, nil
}

func (s *Store) UpdateSkill(ctx context.Context, row SkillRow) (*SkillRow, error) {
	row.UpdatedAt = time.Now().UTC()
	cfg, err := marshalJSONObject(row.Config)
	if err != nil {
		return nil, fmt.Errorf("store: skill config: %w", err)
	}
	args, err := marshalJSONArray(row.StdioArgs)
	if err != nil {
		return nil, fmt.Errorf("store: skill stdio args: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE skills SET name = ?, version = ?, description = ?, tier = ?, transport = ?,
		        enabled = ?, config = ?, owner = ?, stdio_command = ?, stdio_args = ?,
		        http_url = ?, instruction_path = ?, instruction_content = ?, updated_at = ?
		 WHERE id = ?`,
		row.Name, row.Version, row.Description, row.Tier, row.Transport,
		boolToInt(row.Enabled), cfg, row.Owner, row.StdioCommand, args,
		row.HTTPURL, row.InstructionPath, row.InstructionContent, row.UpdatedAt, row.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSkill(ctx context.Context, id string) (*SkillRow, error) {
	return s.scanSkill(s.db.QueryRowContext(ctx, selectSkill+` WHERE id = ?`, id))
}

func (s *Store) ListSkills(ctx context.Context, enabledOnly bool) ([]SkillRow, error) {
	query := selectSkill
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list skills: %w", err)
	}
	defer rows.Close()

	var out []SkillRow
	for rows.Next() {
		row, err := s.scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

const selectSkill = `SELECT id, name, version, description, tier, transport, enabled, config, owner,
       stdio_command, stdio_args, http_url, instruction_path, instruction_content, created_at, updated_at
FROM skills`

func (s *Store) scanSkill(scanner rowScanner) (*SkillRow, error) {
	var (
		row     SkillRow
		enabled int
		cfg     string
		args    string
	)
	err := scanner.Scan(&row.ID, &row.Name, &row.Version, &row.Description, &row.Tier, &row.Transport,
		&enabled, &cfg, &row.Owner, &row.StdioCommand, &args, &row.HTTPURL,
		&row.InstructionPath, &row.InstructionContent, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan skill: %w", err)
	}
	row.Enabled = enabled != 0
	row.Config = decodeJSONObject(cfg)
	row.StdioArgs = decodeJSONArray(args)
	return &row, nil
}

func marshalJSONArray(values []string) (string, error) {
	if values == nil {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSONArray tolerates corrupted rows: invalid JSON decodes to nil.
func decodeJSONArray(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
