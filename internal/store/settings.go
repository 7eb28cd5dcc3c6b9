// ABOUTME: Global key/value system settings with lazy defaults and typed accessors
// ABOUTME: Covers registration toggle, message length cap, default quota and schema version

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// settingDefaults back missing rows so reads never fail on a fresh key.
var settingDefaults = map[string]string{
	SettingRegistrationEnabled: "1",
	SettingMaxMessageLength:    "2000",
	SettingSystemName:          "parley",
	SettingAllowFriendRequests: "1",
	SettingDefaultQuotaMB:      "10240",
	SettingDBVersion:           "0",
}

// Settings returns every system setting as a map.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM system_settings`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// Setting returns one setting, falling back to its registered default.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		if def, ok := settingDefaults[key]; ok {
			return def, nil
		}
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting: %w", err)
	}
	return value, nil
}

// IntSetting returns a setting parsed as an integer.
func (s *Store) IntSetting(ctx context.Context, key string) (int64, error) {
	raw, err := s.Setting(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing setting %s=%q: %w", key, raw, err)
	}
	return n, nil
}

// BoolSetting returns a setting interpreted as a flag ("1" / "true").
func (s *Store) BoolSetting(ctx context.Context, key string) (bool, error) {
	raw, err := s.Setting(ctx, key)
	if err != nil {
		return false, err
	}
	return raw == "1" || raw == "true", nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if err := s.EnsureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO system_settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("writing setting: %w", err)
	}
	s.logger.Info("updated setting", "key", key)
	return nil
}
