package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/kypseli/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist. It is safe to call while other connections are writing.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dest, err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		// Timestamps in memory_entries are unix milliseconds so expiry
		// comparisons stay numeric regardless of timezone.
		`CREATE TABLE IF NOT EXISTS memory_entries (
			namespace     TEXT NOT NULL,
			key           TEXT NOT NULL,
			value         BLOB NOT NULL,
			created_at    INTEGER NOT NULL,
			expires_at    INTEGER,
			access_count  INTEGER DEFAULT 0,
			last_accessed INTEGER,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_expires ON memory_entries(expires_at)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			swarm_id        TEXT NOT NULL,
			name            TEXT NOT NULL,
			type            TEXT NOT NULL,
			capabilities    TEXT,
			status          TEXT NOT NULL,
			tasks_completed INTEGER DEFAULT 0,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON agents(swarm_id)`,
		`CREATE TABLE IF NOT EXISTS orchestrations (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL,
			objective    TEXT NOT NULL,
			strategy     TEXT NOT NULL,
			priority     TEXT,
			status       TEXT DEFAULT 'running',
			plan         TEXT,
			result       TEXT,
			error        TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orchestrations_swarm ON orchestrations(swarm_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id  TEXT NOT NULL,
			from_agent  TEXT NOT NULL,
			to_agent    TEXT NOT NULL,
			priority    TEXT NOT NULL,
			payload     TEXT,
			reason      TEXT NOT NULL,
			attempts    INTEGER DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_to ON dead_letters(to_agent, created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduled_objectives (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			objective    TEXT NOT NULL,
			strategy     TEXT DEFAULT 'adaptive',
			priority     TEXT DEFAULT 'normal',
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_objectives_next_run ON scheduled_objectives(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
