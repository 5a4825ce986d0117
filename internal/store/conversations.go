package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryState tracks the memory pipeline counters for one conversation.
// Updates go through UpdateMemoryState only.
type MemoryState struct {
	ConversationID       string     `json:"conversation_id"`
	Version              int64      `json:"version"`
	UnobservedTokenCount int        `json:"unobserved_token_count"`
	TurnsSinceReflection int        `json:"turns_since_reflection"`
	LastObserverAt       *time.Time `json:"last_observer_at,omitempty"`
	LastReflectorAt      *time.Time `json:"last_reflector_at,omitempty"`
}

// CreateConversation inserts the conversation together with its memory-state
// row at version 0.
func (s *Store) CreateConversation(ctx context.Context, id, title string) (*Conversation, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now,
	); err != nil {
		return nil, fmt.Errorf("store: insert conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_state (conversation_id, version, unobserved_token_count, turns_since_reflection)
		 VALUES (?, 0, 0, 0)`,
		id,
	); err != nil {
		return nil, fmt.Errorf("store: insert memory state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return &Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation, its messages, and its memory
// state.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message and bumps the conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, now)
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		s.logger.Warn("bump conversation %s: %v", conversationID, err)
	}
	return &Message{ID: id, ConversationID: conversationID, Role: role, Content: content, CreatedAt: now}, nil
}

// ListMessages returns messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM messages
	          WHERE conversation_id = ? ORDER BY id`
	args := []any{conversationID}
	if limit > 0 {
		// Keep the most recent window while preserving ascending order.
		query = `SELECT id, conversation_id, role, content, created_at FROM (
		           SELECT id, conversation_id, role, content, created_at FROM messages
		           WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		         ) ORDER BY id`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMemoryState(ctx context.Context, conversationID string) (*MemoryState, error) {
	var (
		ms          MemoryState
		observerAt  sql.NullTime
		reflectorAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, version, unobserved_token_count, turns_since_reflection,
		        last_observer_at, last_reflector_at
		 FROM memory_state WHERE conversation_id = ?`, conversationID,
	).Scan(&ms.ConversationID, &ms.Version, &ms.UnobservedTokenCount, &ms.TurnsSinceReflection,
		&observerAt, &reflectorAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get memory state: %w", err)
	}
	if observerAt.Valid {
		ms.LastObserverAt = &observerAt.Time
	}
	if reflectorAt.Valid {
		ms.LastReflectorAt = &reflectorAt.Time
	}
	return &ms, nil
}

// MemoryStatePatch carries the fields an optimistic update may change. Nil
// fields are left untouched.
type MemoryStatePatch struct {
	UnobservedTokenCount *int
	TurnsSinceReflection *int
	LastObserverAt       *time.Time
	LastReflectorAt      *time.Time
}

// UpdateMemoryState applies the patch iff the row is still at expectedVersion,
// bumping the version by one. Returns false when the version is stale; the
// caller re-reads and retries.
func (s *Store) UpdateMemoryState(ctx context.Context, conversationID string, patch MemoryStatePatch, expectedVersion int64) (bool, error) {
	set := "version = version + 1"
	args := []any{}
	if patch.UnobservedTokenCount != nil {
		set += ", unobserved_token_count = ?"
		args = append(args, *patch.UnobservedTokenCount)
	}
	if patch.TurnsSinceReflection != nil {
		set += ", turns_since_reflection = ?"
		args = append(args, *patch.TurnsSinceReflection)
	}
	if patch.LastObserverAt != nil {
		set += ", last_observer_at = ?"
		args = append(args, *patch.LastObserverAt)
	}
	if patch.LastReflectorAt != nil {
		set += ", last_reflector_at = ?"
		args = append(args, *patch.LastReflectorAt)
	}
	args = append(args, conversationID, expectedVersion)

	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_state SET `+set+` WHERE conversation_id = ? AND version = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("store: update memory state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}
