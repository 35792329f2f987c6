package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hubstock/internal/esi"
)

// AuthToken returns the persisted token pair, or nil when none was ever
// saved. Implements esi.TokenStore.
func (s *Store) AuthToken() (*esi.StoredToken, error) {
	var tok esi.StoredToken
	var expires int64
	err := s.sql.QueryRow(
		"SELECT access_token, refresh_token, expires_at FROM auth_token WHERE id = 1").
		Scan(&tok.AccessToken, &tok.RefreshToken, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auth token: %w", err)
	}
	tok.ExpiresAt = time.Unix(expires, 0).UTC()
	return &tok, nil
}

// SaveAuthToken upserts the single token row. Implements esi.TokenStore.
func (s *Store) SaveAuthToken(tok *esi.StoredToken) error {
	_, err := s.sql.Exec(`
		INSERT INTO auth_token (id, access_token, refresh_token, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at    = excluded.expires_at`,
		tok.AccessToken, tok.RefreshToken, tok.ExpiresAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("save auth token: %w", err)
	}
	return nil
}
