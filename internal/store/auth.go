package store

import (
	"fmt"
	"time"
)

// The csrf_tokens and rate_limits tables are written by the auth
// middleware outside the core; the store only inserts them in tests and
// evicts expired rows for the cleanup coordinator.

// InsertCSRFToken inserts a token row.
func (s *Store) InsertCSRFToken(t *CSRFToken) error {
	_, err := s.db.Exec(
		`INSERT INTO csrf_tokens (token, user_id, expires_at) VALUES (?, ?, ?)`,
		t.Token, t.UserID, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert csrf token: %w", err)
	}
	return nil
}

// DeleteExpiredCSRFTokens removes tokens expired before now. Returns
// the number of rows deleted.
func (s *Store) DeleteExpiredCSRFTokens(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM csrf_tokens WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired csrf tokens: %w", err)
	}
	return res.RowsAffected()
}

// InsertRateLimitRecord inserts a rate-limit row.
func (s *Store) InsertRateLimitRecord(r *RateLimitRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO rate_limits (client_ip, key_prefix, request_time, expires_at) VALUES (?, ?, ?, ?)`,
		r.ClientIP, r.KeyPrefix, r.RequestTime, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert rate limit record: %w", err)
	}
	return nil
}

// DeleteExpiredRateLimits removes rate-limit rows expired before now.
// Returns the number of rows deleted.
func (s *Store) DeleteExpiredRateLimits(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM rate_limits WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired rate limits: %w", err)
	}
	return res.RowsAffected()
}
