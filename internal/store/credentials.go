package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CredentialStore holds API keys users brought for individual providers.
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore returns a store over db.
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// UserAPIKey returns the user's key for provider, or "" when none is stored.
func (s *CredentialStore) UserAPIKey(ctx context.Context, userID, provider string) (string, error) {
	if userID == "" {
		return "", nil
	}
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM user_api_keys WHERE user_id = ? AND provider = ?`, userID, provider).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query user api key: %w", err)
	}
	return key, nil
}

// SetUserAPIKey stores or replaces the user's key. An empty key deletes it.
func (s *CredentialStore) SetUserAPIKey(ctx context.Context, userID, provider, key string) error {
	if userID == "" || provider == "" {
		return errors.New("user id and provider are required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM user_api_keys WHERE user_id = ? AND provider = ?`, userID, provider)
		if err != nil {
			return fmt.Errorf("delete user api key: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_api_keys (user_id, provider, api_key) VALUES (?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET api_key = excluded.api_key, updated_at = datetime('now')
	`, userID, provider, key)
	if err != nil {
		return fmt.Errorf("upsert user api key: %w", err)
	}
	return nil
}
