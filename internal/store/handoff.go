package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HandoffNote is the state capsule a draining brain leaves for its successor.
// Notes are append-only; the newest is authoritative.
type HandoffNote struct {
	ID                  string    `json:"id"`
	FromVersion         string    `json:"from_version"`
	ToVersion           string    `json:"to_version,omitempty"`
	ActiveConversations []string  `json:"active_conversations"`
	PendingSchedules    []string  `json:"pending_schedules"`
	CreatedAt           time.Time `json:"created_at"`
}

func (s *Store) CreateHandoffNote(ctx context.Context, note HandoffNote) (*HandoffNote, error) {
	note.CreatedAt = time.Now().UTC()
	convs, err := marshalJSONArray(note.ActiveConversations)
	if err != nil {
		return nil, fmt.Errorf("store: handoff conversations: %w", err)
	}
	scheds, err := marshalJSONArray(note.PendingSchedules)
	if err != nil {
		return nil, fmt.Errorf("store: handoff schedules: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO handoff_notes (id, from_version, to_version, active_conversations, pending_schedules, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		note.ID, note.FromVersion, note.ToVersion, convs, scheds, note.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("store: create handoff note: %w", err)
	}
	return &note, nil
}

func (s *Store) GetHandoffNote(ctx context.Context, id string) (*HandoffNote, error) {
	return s.scanHandoffNote(s.db.QueryRowContext(ctx,
		`SELECT id, from_version, to_version, active_conversations, pending_schedules, created_at
		 FROM handoff_notes WHERE id = ?`, id))
}

// LatestHandoffNote returns the newest note, or ErrNotFound when none exist.
func (s *Store) LatestHandoffNote(ctx context.Context) (*HandoffNote, error) {
	return s.scanHandoffNote(s.db.QueryRowContext(ctx,
		`SELECT id, from_version, to_version, active_conversations, pending_schedules, created_at
		 FROM handoff_notes ORDER BY created_at DESC, id DESC LIMIT 1`))
}

func (s *Store) scanHandoffNote(scanner rowScanner) (*HandoffNote, error) {
	var (
		note   HandoffNote
		convs  string
		scheds string
	)
	err := scanner.Scan(&note.ID, &note.FromVersion, &note.ToVersion, &convs, &scheds, &note.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan handoff note: %w", err)
	}
	note.ActiveConversations = decodeJSONArray(convs)
	note.PendingSchedules = decodeJSONArray(scheds)
	return &note, nil
}

// ChangelogEntry records one released system version. Each entry is announced
// to the user at most once.
type ChangelogEntry struct {
	Version   string `json:"version"`
	Summary   string `json:"summary"`
	Delivered bool   `json:"delivered"`
}

// UpsertChangelog records a version summary, preserving delivered status on
// re-registration.
func (s *Store) UpsertChangelog(ctx context.Context, version, summary string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO changelog (version, summary, delivered) VALUES (?, ?, 0)
		 ON CONFLICT(version) DO UPDATE SET summary = excluded.summary`,
		version, summary,
	); err != nil {
		return fmt.Errorf("store: upsert changelog: %w", err)
	}
	return nil
}

// NextUndeliveredChangelog returns the oldest undelivered entry, or
// ErrNotFound when all entries were delivered.
func (s *Store) NextUndeliveredChangelog(ctx context.Context) (*ChangelogEntry, error) {
	var (
		entry     ChangelogEntry
		delivered int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, summary, delivered FROM changelog WHERE delivered = 0 ORDER BY version LIMIT 1`,
	).Scan(&entry.Version, &entry.Summary, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: next changelog: %w", err)
	}
	entry.Delivered = delivered != 0
	return &entry, nil
}

func (s *Store) MarkChangelogDelivered(ctx context.Context, version string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE changelog SET delivered = 1 WHERE version = ?`, version,
	); err != nil {
		return fmt.Errorf("store: mark changelog delivered: %w", err)
	}
	return nil
}
