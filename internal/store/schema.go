// ABOUTME: Idempotent schema creation, additive column migrations and versioned backfills
// ABOUTME: All steps are safe to rerun; data migrations commit atomically with the version bump

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

func (s *Store) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			is_banned     INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			name         TEXT,
			kind         TEXT NOT NULL DEFAULT 'private',
			avatar_url   TEXT,
			announcement TEXT NOT NULL DEFAULT '',
			created_by   INTEGER,
			created_at   INTEGER NOT NULL,

			CHECK (kind IN ('private', 'group', 'self')),
			FOREIGN KEY (created_by) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id INTEGER NOT NULL,
			user_id         INTEGER NOT NULL,
			joined_at       INTEGER NOT NULL,
			role            TEXT NOT NULL DEFAULT 'member',

			PRIMARY KEY (conversation_id, user_id),
			CHECK (role IN ('member', 'admin')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id       INTEGER NOT NULL,
			content         TEXT NOT NULL,
			msg_type        TEXT NOT NULL DEFAULT 'text',
			media_ref       TEXT,
			is_revoked      INTEGER NOT NULL DEFAULT 0,
			edited_at       INTEGER,
			forward_from    INTEGER,
			sent_at         INTEGER NOT NULL,

			CHECK (msg_type IN ('text', 'image', 'audio', 'video', 'file')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conv_sent
			ON messages(conversation_id, sent_at);

		CREATE TABLE IF NOT EXISTS favorite_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL,

			UNIQUE(user_id, message_id),
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);

		CREATE INDEX IF NOT EXISTS idx_favorites_user_created
			ON favorite_messages(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_favorites_msg ON favorite_messages(message_id);

		CREATE TABLE IF NOT EXISTS pinned_messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			message_id      INTEGER NOT NULL,
			pinned_by       INTEGER NOT NULL,
			pinned_at       INTEGER NOT NULL,

			UNIQUE(conversation_id, message_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (message_id) REFERENCES messages(id),
			FOREIGN KEY (pinned_by) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_pinned_conv
			ON pinned_messages(conversation_id, pinned_at DESC);

		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id           INTEGER PRIMARY KEY,
			avatar_emoji      TEXT NOT NULL DEFAULT ':)',
			avatar_url        TEXT,
			bio               TEXT NOT NULL DEFAULT '',
			theme             TEXT NOT NULL DEFAULT 'light',
			font_size         TEXT NOT NULL DEFAULT 'medium',
			storage_quota_mb  INTEGER,

			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		-- Friendships are stored under the canonical unordered pair
		-- (user_lo, user_hi) = (min(a,b), max(a,b)). The UNIQUE constraint on
		-- the pair is the sole concurrency guard: opposite-direction requests
		-- collide on one row. initiated_by records the true requester.
		CREATE TABLE IF NOT EXISTS friends (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_lo      INTEGER NOT NULL,
			user_hi      INTEGER NOT NULL,
			initiated_by INTEGER,
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   INTEGER NOT NULL,

			UNIQUE(user_lo, user_hi),
			CHECK (user_lo < user_hi),
			CHECK (status IN ('pending', 'accepted')),
			FOREIGN KEY (user_lo) REFERENCES users(id),
			FOREIGN KEY (user_hi) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS system_settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		-- user_files records every stored upload; quota usage is always
		-- derived by summation over this ledger, never cached.
		CREATE TABLE IF NOT EXISTS user_files (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER NOT NULL,
			file_path   TEXT NOT NULL UNIQUE,
			file_size   INTEGER NOT NULL,
			uploaded_at INTEGER NOT NULL,

			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_user_files_uid ON user_files(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// addMissingColumns applies additive column migrations for databases created
// by older schema versions. SQLite has no ADD COLUMN IF NOT EXISTS, so each
// addition is gated on a pragma_table_info check; an already-present column
// is success, not failure.
func (s *Store) addMissingColumns(ctx context.Context) error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"users", "is_banned", `ALTER TABLE users ADD COLUMN is_banned INTEGER NOT NULL DEFAULT 0`},
		{"conversation_members", "role", `ALTER TABLE conversation_members ADD COLUMN role TEXT NOT NULL DEFAULT 'member'`},
		{"conversations", "avatar_url", `ALTER TABLE conversations ADD COLUMN avatar_url TEXT`},
		{"conversations", "announcement", `ALTER TABLE conversations ADD COLUMN announcement TEXT NOT NULL DEFAULT ''`},
		{"messages", "media_ref", `ALTER TABLE messages ADD COLUMN media_ref TEXT`},
		{"messages", "is_revoked", `ALTER TABLE messages ADD COLUMN is_revoked INTEGER NOT NULL DEFAULT 0`},
		{"messages", "edited_at", `ALTER TABLE messages ADD COLUMN edited_at INTEGER`},
		{"messages", "forward_from", `ALTER TABLE messages ADD COLUMN forward_from INTEGER`},
		{"user_profiles", "avatar_url", `ALTER TABLE user_profiles ADD COLUMN avatar_url TEXT`},
		{"user_profiles", "storage_quota_mb", `ALTER TABLE user_profiles ADD COLUMN storage_quota_mb INTEGER`},
		{"friends", "initiated_by", `ALTER TABLE friends ADD COLUMN initiated_by INTEGER`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.ExecContext(ctx, m.apply); err != nil {
			return fmt.Errorf("adding %s.%s: %w", m.table, m.column, err)
		}
		s.logger.Info("applied column migration", "table", m.table, "column", m.column)
	}
	return nil
}

func (s *Store) seedDefaultSettings(ctx context.Context) error {
	defaults := [][2]string{
		{SettingRegistrationEnabled, "1"},
		{SettingMaxMessageLength, "2000"},
		{SettingSystemName, "parley"},
		{SettingAllowFriendRequests, "1"},
		{SettingDefaultQuotaMB, "10240"},
		{SettingDBVersion, "0"},
	}
	for _, kv := range defaults {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO system_settings (key, value) VALUES (?, ?)`,
			kv[0], kv[1])
		if err != nil {
			return fmt.Errorf("seeding setting %s: %w", kv[0], err)
		}
	}
	return nil
}

const currentDBVersion = 3

// runDataMigrations applies ordered one-time backfills gated by db_version.
// Each step commits atomically with its version bump, so a crash mid-step
// just reruns the step; every step is written to be idempotent.
func (s *Store) runDataMigrations(ctx context.Context) error {
	steps := []struct {
		version int
		apply   []string
	}{
		{
			// Group creators should carry the admin role explicitly.
			version: 1,
			apply: []string{
				`UPDATE conversation_members SET role = 'admin'
				 WHERE user_id = (
					SELECT created_by FROM conversations
					WHERE id = conversation_id
					  AND kind = 'group'
					  AND created_by IS NOT NULL
				 )`,
			},
		},
		{
			// Normalize legacy friendship rows to the canonical (lo, hi)
			// ordering and backfill initiated_by where it is missing.
			version: 2,
			apply: []string{
				`UPDATE friends
				 SET user_lo = user_hi, user_hi = user_lo
				 WHERE user_lo > user_hi`,
				`UPDATE friends SET initiated_by = user_lo WHERE initiated_by IS NULL`,
			},
		},
		{
			version: 3,
			apply: []string{
				`INSERT OR IGNORE INTO system_settings (key, value)
				 VALUES ('default_storage_quota_mb', '10240')`,
			},
		},
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = ?`, SettingDBVersion,
	).Scan(&raw)
	if err != nil {
		return fmt.Errorf("reading db version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parsing db version %q: %w", raw, err)
	}

	for _, step := range steps {
		if version >= step.version {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", step.version, err)
		}
		for _, stmt := range step.apply {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", step.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE system_settings SET value = ? WHERE key = ?`,
			strconv.Itoa(step.version), SettingDBVersion,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bumping db version to %d: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", step.version, err)
		}
		version = step.version
		s.logger.Info("applied data migration", "version", step.version)
	}
	return nil
}
