// Package store persists sessions, layouts, tracked user processes, and
// the auth eviction tables on SQLite. JSON blobs (environment, terminal
// size, shell history, layout configuration) are stored as TEXT columns
// with typed encode/decode boundaries in this package; callers never
// handle raw blob strings.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. All methods are safe for concurrent
// use; writes are serialized by the driver per database handle.
type Store struct {
	db *sql.DB
}

// Open creates the data directory if needed, opens (or creates) the
// database, and applies migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "webmux.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent component writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory database. Used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("store: open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		recovery_token TEXT NOT NULL DEFAULT '',
		session_name TEXT NOT NULL DEFAULT '',
		is_default_session INTEGER NOT NULL DEFAULT 0,
		session_type TEXT NOT NULL DEFAULT 'terminal',
		shell_pid INTEGER NOT NULL DEFAULT 0,
		socket_id TEXT,
		status TEXT NOT NULL,
		current_working_dir TEXT NOT NULL DEFAULT '',
		environment_vars TEXT NOT NULL DEFAULT '{}',
		terminal_size TEXT NOT NULL DEFAULT '',
		last_command TEXT NOT NULL DEFAULT '',
		shell_history TEXT NOT NULL DEFAULT '[]',
		session_timeout INTEGER NOT NULL DEFAULT 0,
		max_idle_time INTEGER NOT NULL DEFAULT 1440,
		auto_cleanup INTEGER NOT NULL DEFAULT 1,
		can_recover INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		last_activity_at DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(recovery_token);

	CREATE TABLE IF NOT EXISTS layouts (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		layout_type TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		configuration TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_layouts_workspace ON layouts(workspace_id);

	CREATE TABLE IF NOT EXISTS user_processes (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		command TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '[]',
		cwd TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		exit_code INTEGER,
		auto_restart INTEGER NOT NULL DEFAULT 0,
		restart_count INTEGER NOT NULL DEFAULT 0,
		session_id TEXT,
		workspace_id TEXT,
		started_at DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_processes_status ON user_processes(status);

	CREATE TABLE IF NOT EXISTS csrf_tokens (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		client_ip TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		request_time DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limits_expiry ON rate_limits(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
