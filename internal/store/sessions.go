package store

import (
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `id, workspace_id, recovery_token, session_name, is_default_session,
	session_type, shell_pid, socket_id, status, current_working_dir, environment_vars,
	terminal_size, last_command, shell_history, session_timeout, max_idle_time,
	auto_cleanup, can_recover, created_at, last_activity_at, ended_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.RecoveryToken, sess.Name, sess.IsDefault,
		sess.Type, sess.ShellPID, nullString(sess.SocketID), string(sess.Status),
		sess.CurrentWorkingDir, encodeEnv(sess.EnvironmentVars),
		encodeSize(sess.TerminalSize), sess.LastCommand, encodeHistory(sess.ShellHistory),
		sess.SessionTimeoutMin, sess.MaxIdleTimeMin,
		sess.AutoCleanup, sess.CanRecover, sess.CreatedAt, sess.LastActivityAt,
		nullTime(sess.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert session %s: %w", sess.ID, err)
	}
	return nil
}

// SaveSession updates all mutable columns of an existing session row.
func (s *Store) SaveSession(sess *Session) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET recovery_token = ?, session_name = ?, is_default_session = ?,
		 shell_pid = ?, socket_id = ?, status = ?, current_working_dir = ?,
		 environment_vars = ?, terminal_size = ?, last_command = ?, shell_history = ?,
		 session_timeout = ?, max_idle_time = ?, auto_cleanup = ?, can_recover = ?,
		 last_activity_at = ?, ended_at = ?
		 WHERE id = ?`,
		sess.RecoveryToken, sess.Name, sess.IsDefault,
		sess.ShellPID, nullString(sess.SocketID), string(sess.Status), sess.CurrentWorkingDir,
		encodeEnv(sess.EnvironmentVars), encodeSize(sess.TerminalSize), sess.LastCommand,
		encodeHistory(sess.ShellHistory), sess.SessionTimeoutMin, sess.MaxIdleTimeMin,
		sess.AutoCleanup, sess.CanRecover, sess.LastActivityAt, nullTime(sess.EndedAt),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByRecoveryToken loads one non-terminated session by token.
func (s *Store) GetSessionByRecoveryToken(token string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE recovery_token = ? AND status != ?`,
		token, string(SessionTerminated),
	)
	return scanSession(row)
}

// ListSessionsByStatus returns all sessions in any of the given states.
func (s *Store) ListSessionsByStatus(statuses ...SessionStatus) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (` + placeholders(len(statuses)) + `)`
	rows, err := s.db.Query(query, statusArgs(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// FindRecoverableSession returns the most recently active session of a
// workspace that is recoverable and not terminated, or ErrNotFound.
func (s *Store) FindRecoverableSession(workspaceID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE workspace_id = ? AND can_recover = 1 AND status IN (?, ?)
		 ORDER BY last_activity_at DESC LIMIT 1`,
		workspaceID, string(SessionActive), string(SessionPaused),
	)
	return scanSession(row)
}

// ListExpiredSessions returns auto-cleanup sessions whose last activity
// is older than cutoff and that are still active or paused.
func (s *Store) ListExpiredSessions(cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE auto_cleanup = 1 AND last_activity_at < ? AND status IN (?, ?)`,
		cutoff, string(SessionActive), string(SessionPaused),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// MarkAllActiveTerminated bulk-terminates every active row. Used on
// startup: active rows from a prior run reference PTYs that no longer
// exist. Returns the number of rows updated.
func (s *Store) MarkAllActiveTerminated(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, socket_id = NULL, can_recover = 0, ended_at = ?
		 WHERE status = ?`,
		string(SessionTerminated), now, string(SessionActive),
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark active terminated: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredSessions deletes terminated sessions that ended before
// cutoff and paused sessions idle since before cutoff. Returns the
// number of rows deleted.
func (s *Store) DeleteExpiredSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM sessions
		 WHERE (status = ? AND ended_at IS NOT NULL AND ended_at < ?)
		    OR (status = ? AND last_activity_at < ?)`,
		string(SessionTerminated), cutoff, string(SessionPaused), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// CountSessionsByStatus aggregates session counts grouped by status.
func (s *Store) CountSessionsByStatus() (map[SessionStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: count sessions scan: %w", err)
		}
		counts[SessionStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountRecoverableSessions counts non-terminated sessions with
// can_recover set.
func (s *Store) CountRecoverableSessions() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE can_recover = 1 AND status != ?`,
		string(SessionTerminated),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count recoverable: %w", err)
	}
	return n, nil
}

// CountIdleSessions counts active sessions whose last activity is older
// than cutoff.
func (s *Store) CountIdleSessions(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE status = ? AND last_activity_at < ?`,
		string(SessionActive), cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count idle: %w", err)
	}
	return n, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var socketID sql.NullString
	var status, env, size, hist string
	var endedAt sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.WorkspaceID, &sess.RecoveryToken, &sess.Name, &sess.IsDefault,
		&sess.Type, &sess.ShellPID, &socketID, &status, &sess.CurrentWorkingDir, &env,
		&size, &sess.LastCommand, &hist, &sess.SessionTimeoutMin, &sess.MaxIdleTimeMin,
		&sess.AutoCleanup, &sess.CanRecover, &sess.CreatedAt, &sess.LastActivityAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}

	sess.SocketID = socketID.String
	sess.Status = SessionStatus(status)
	sess.EnvironmentVars = decodeEnv(env)
	sess.TerminalSize = decodeSize(size)
	sess.ShellHistory = decodeHistory(hist)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "?"
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}

func statusArgs(statuses []SessionStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
