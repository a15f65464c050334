package store

import (
	"database/sql"
	"fmt"
	"time"
)

const processColumns = `id, pid, command, args, cwd, status, exit_code, auto_restart,
	restart_count, session_id, workspace_id, started_at, last_seen, ended_at`

// CreateProcess inserts a new tracked process row.
func (s *Store) CreateProcess(p *UserProcess) error {
	_, err := s.db.Exec(
		`INSERT INTO user_processes (`+processColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PID, p.Command, encodeArgs(p.Args), p.Cwd, string(p.Status),
		nullInt(p.ExitCode), p.AutoRestart, p.RestartCount,
		nullString(p.SessionID), nullString(p.WorkspaceID),
		p.StartedAt, p.LastSeen, nullTime(p.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert process %s: %w", p.ID, err)
	}
	return nil
}

// SaveProcess updates the mutable columns of a tracked process row.
func (s *Store) SaveProcess(p *UserProcess) error {
	res, err := s.db.Exec(
		`UPDATE user_processes SET pid = ?, status = ?, exit_code = ?, auto_restart = ?,
		 restart_count = ?, last_seen = ?, ended_at = ?
		 WHERE id = ?`,
		p.PID, string(p.Status), nullInt(p.ExitCode), p.AutoRestart,
		p.RestartCount, p.LastSeen, nullTime(p.EndedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("store: save process %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProcess loads one tracked process by id.
func (s *Store) GetProcess(id string) (*UserProcess, error) {
	row := s.db.QueryRow(`SELECT `+processColumns+` FROM user_processes WHERE id = ?`, id)
	return scanProcess(row)
}

// ListProcessesByStatus returns all tracked processes in any of the
// given states.
func (s *Store) ListProcessesByStatus(statuses ...ProcessStatus) ([]*UserProcess, error) {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.Query(
		`SELECT `+processColumns+` FROM user_processes WHERE status IN (`+placeholders(len(statuses))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list processes: %w", err)
	}
	defer rows.Close()

	var out []*UserProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAllProcesses returns every tracked process row.
func (s *Store) ListAllProcesses() ([]*UserProcess, error) {
	return s.ListProcessesByStatus(ProcessRunning, ProcessStopped, ProcessCrashed, ProcessKilled)
}

// DeleteDeadProcesses removes stopped/crashed/killed rows that ended
// before cutoff. Returns the number of rows deleted.
func (s *Store) DeleteDeadProcesses(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM user_processes
		 WHERE status IN (?, ?, ?) AND ended_at IS NOT NULL AND ended_at < ?`,
		string(ProcessStopped), string(ProcessCrashed), string(ProcessKilled), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete dead processes: %w", err)
	}
	return res.RowsAffected()
}

// MarkAllRunningStopped bulk-marks running rows as stopped. Used on
// supervisor shutdown.
func (s *Store) MarkAllRunningStopped(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE user_processes SET status = ?, ended_at = ? WHERE status = ?`,
		string(ProcessStopped), now, string(ProcessRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark running stopped: %w", err)
	}
	return res.RowsAffected()
}

func scanProcess(row rowScanner) (*UserProcess, error) {
	var p UserProcess
	var args, status string
	var exitCode sql.NullInt64
	var sessionID, workspaceID sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(&p.ID, &p.PID, &p.Command, &args, &p.Cwd, &status, &exitCode,
		&p.AutoRestart, &p.RestartCount, &sessionID, &workspaceID,
		&p.StartedAt, &p.LastSeen, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan process: %w", err)
	}

	p.Args = decodeArgs(args)
	p.Status = ProcessStatus(status)
	p.SessionID = sessionID.String
	p.WorkspaceID = workspaceID.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		p.ExitCode = &code
	}
	if endedAt.Valid {
		t := endedAt.Time
		p.EndedAt = &t
	}
	return &p, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
