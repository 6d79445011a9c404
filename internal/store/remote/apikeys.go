package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserAPIKey returns the key a user stored for provider.
func (d *DB) UserAPIKey(ctx context.Context, userID, provider string) (string, bool, error) {
	var key string
	err := d.queryRow(ctx, `SELECT api_key FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting api key: %w", err)
	}
	return key, true, nil
}

// SetUserAPIKey stores the user's key for provider; a blank value removes it.
func (d *DB) SetUserAPIKey(ctx context.Context, userID, provider, value string) error {
	if value == "" {
		if _, err := d.exec(ctx, `DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider); err != nil {
			return fmt.Errorf("deleting api key: %w", err)
		}
		return nil
	}

	_, err := d.exec(ctx, `
		INSERT INTO api_keys (user_id, provider, api_key, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET api_key = excluded.api_key, updated_at = excluded.updated_at`,
		userID, provider, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving api key: %w", err)
	}
	return nil
}
