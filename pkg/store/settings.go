package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// GetSetting loads one operator setting by key
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.Wrapf(ErrNotFound, "setting %s", key)
		}
		return "", errors.Wrap(err, "failed to load setting")
	}
	return value, nil
}

// SetSetting upserts one operator setting
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	return errors.Wrap(err, "failed to set setting")
}
