package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Memory is the metadata row mirrored alongside the vector store entry. The
// embedding itself lives in the vector store; this row is what REST listing
// and deletion operate on.
type Memory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) InsertMemory(ctx context.Context, id, content, category string) (*Memory, error) {
	if category == "" {
		category = "general"
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, category, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, content, category, now, now,
	); err != nil {
		return nil, fmt.Errorf("store: insert memory: %w", err)
	}
	return &Memory{ID: id, Content: content, Category: category, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	var m Memory
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, category, created_at, updated_at FROM memories WHERE id = ?`, id,
	).Scan(&m.ID, &m.Content, &m.Category, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get memory: %w", err)
	}
	return &m, nil
}

// ListMemories returns memories newest first. An empty category means all
// categories.
func (s *Store) ListMemories(ctx context.Context, category string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, content, category, created_at, updated_at FROM memories
	          ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if category != "" {
		query = `SELECT id, content, category, created_at, updated_at FROM memories
		         WHERE category = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{category, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.Content, &m.Category, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
