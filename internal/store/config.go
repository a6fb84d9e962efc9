package store

import (
	"context"
	"database/sql"
)

// GetConfig returns the value for key, or "" when unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig upserts a config key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// DeleteConfig removes a config key if present.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	return err
}

// SetupCompleted reports whether first-run setup has been executed.
func (s *Store) SetupCompleted(ctx context.Context) (bool, error) {
	value, err := s.GetConfig(ctx, ConfigSetupCompleted)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// BossTimezone returns the configured boss timezone name, defaulting to UTC.
func (s *Store) BossTimezone(ctx context.Context) (string, error) {
	value, err := s.GetConfig(ctx, ConfigBossTimezone)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "UTC", nil
	}
	return value, nil
}

// AdapterBossID returns the boss's chat identity on the given platform.
func (s *Store) AdapterBossID(ctx context.Context, platform string) (string, error) {
	return s.GetConfig(ctx, ConfigAdapterBossIDPrefix+platform)
}
