package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mailvault/mailvault/internal/errs"
)

// Setting returns the value stored under key, or errs.ErrNotFound.
func (s *Store) Setting(key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: setting %q", errs.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load setting: %w", err)
	}
	return value.String, nil
}

// SetSetting stores a key-value setting, replacing any previous value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}
