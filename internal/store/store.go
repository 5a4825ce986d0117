// Package store owns the Brain's embedded relational state: conversations,
// jobs, schedules, skills, handoff notes, changelog, task pods, and secrets.
// The database is sqlite in WAL mode; the Brain is the only writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"cortex/internal/logging"
)

type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens or creates the sqlite database at path and applies the schema.
func Open(path string, logger logging.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logging.OrNop(logger)}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS memory_state (
		conversation_id        TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		version                INTEGER NOT NULL DEFAULT 0,
		unobserved_token_count INTEGER NOT NULL DEFAULT 0,
		turns_since_reflection INTEGER NOT NULL DEFAULT 0,
		last_observer_at       TIMESTAMP,
		last_reflector_at      TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id      TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL,
		worker_id   TEXT NOT NULL DEFAULT '',
		result      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		source      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, updated_at);

	CREATE TABLE IF NOT EXISTS schedules (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		cron_expr   TEXT NOT NULL,
		type        TEXT NOT NULL,
		config      TEXT NOT NULL DEFAULT '{}',
		enabled     INTEGER NOT NULL DEFAULT 1,
		last_run_at TIMESTAMP,
		last_status TEXT NOT NULL DEFAULT '',
		last_output TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skills (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		version             TEXT NOT NULL DEFAULT '',
		description         TEXT NOT NULL DEFAULT '',
		tier                TEXT NOT NULL,
		transport           TEXT NOT NULL DEFAULT '',
		enabled             INTEGER NOT NULL DEFAULT 1,
		config              TEXT NOT NULL DEFAULT '{}',
		owner               TEXT NOT NULL DEFAULT 'system',
		stdio_command       TEXT NOT NULL DEFAULT '',
		stdio_args          TEXT NOT NULL DEFAULT '[]',
		http_url            TEXT NOT NULL DEFAULT '',
		instruction_path    TEXT NOT NULL DEFAULT '',
		instruction_content TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS handoff_notes (
		id                   TEXT PRIMARY KEY,
		from_version         TEXT NOT NULL DEFAULT '',
		to_version           TEXT NOT NULL DEFAULT '',
		active_conversations TEXT NOT NULL DEFAULT '[]',
		pending_schedules    TEXT NOT NULL DEFAULT '[]',
		created_at           TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS changelog (
		version   TEXT PRIMARY KEY,
		summary   TEXT NOT NULL DEFAULT '',
		delivered INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_pods (
		task_id       TEXT PRIMARY KEY,
		recipe        TEXT NOT NULL DEFAULT '',
		toolbox       TEXT NOT NULL DEFAULT '',
		mode          TEXT NOT NULL,
		goal          TEXT NOT NULL,
		mounts        TEXT NOT NULL DEFAULT '[]',
		job_name      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		result        TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		files_changed TEXT NOT NULL DEFAULT '[]',
		trace_id      TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS secrets (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT 'general',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category, created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}
