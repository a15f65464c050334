package store

import (
	"database/sql"
	"fmt"
)

const layoutColumns = `id, workspace_id, name, layout_type, is_default, configuration, created_at, updated_at`

// CreateLayout inserts a new layout row.
func (s *Store) CreateLayout(l *Layout) error {
	_, err := s.db.Exec(
		`INSERT INTO layouts (`+layoutColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.WorkspaceID, l.Name, l.LayoutType, l.IsDefault, l.Configuration,
		l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert layout %s: %w", l.ID, err)
	}
	return nil
}

// SaveLayout updates a layout's type and configuration blob.
func (s *Store) SaveLayout(l *Layout) error {
	res, err := s.db.Exec(
		`UPDATE layouts SET name = ?, layout_type = ?, is_default = ?, configuration = ?, updated_at = ?
		 WHERE id = ?`,
		l.Name, l.LayoutType, l.IsDefault, l.Configuration, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("store: save layout %s: %w", l.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLayout loads one layout by id.
func (s *Store) GetLayout(id string) (*Layout, error) {
	row := s.db.QueryRow(`SELECT `+layoutColumns+` FROM layouts WHERE id = ?`, id)
	return scanLayout(row)
}

// GetDefaultLayout loads a workspace's default layout.
func (s *Store) GetDefaultLayout(workspaceID string) (*Layout, error) {
	row := s.db.QueryRow(
		`SELECT `+layoutColumns+` FROM layouts WHERE workspace_id = ? AND is_default = 1 LIMIT 1`,
		workspaceID,
	)
	return scanLayout(row)
}

// ListWorkspaceLayouts returns all layouts for a workspace.
func (s *Store) ListWorkspaceLayouts(workspaceID string) ([]*Layout, error) {
	rows, err := s.db.Query(
		`SELECT `+layoutColumns+` FROM layouts WHERE workspace_id = ? ORDER BY created_at`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list layouts: %w", err)
	}
	defer rows.Close()

	var out []*Layout
	for rows.Next() {
		l, err := scanLayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteWorkspaceLayouts removes every layout of a workspace. Returns
// the number of rows deleted.
func (s *Store) DeleteWorkspaceLayouts(workspaceID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM layouts WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("store: delete workspace layouts: %w", err)
	}
	return res.RowsAffected()
}

func scanLayout(row rowScanner) (*Layout, error) {
	var l Layout
	err := row.Scan(&l.ID, &l.WorkspaceID, &l.Name, &l.LayoutType, &l.IsDefault,
		&l.Configuration, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan layout: %w", err)
	}
	return &l, nil
}
