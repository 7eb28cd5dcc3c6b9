// ABOUTME: Lazily-created per-user profiles and the admin quota override
// ABOUTME: INSERT OR IGNORE before UPDATE closes the first-write creation race

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	defaultAvatarEmoji = ":)"
	defaultTheme       = "light"
	defaultFontSize    = "medium"
)

// ensureProfileRow guarantees a profile row exists with defaults. The
// uniqueness of user_id makes this safe under concurrent first writes.
func ensureProfileRow(ctx context.Context, q querier, userID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_profiles (user_id, avatar_emoji, bio, theme, font_size)
		VALUES (?, ?, '', ?, ?)`,
		userID, defaultAvatarEmoji, defaultTheme, defaultFontSize)
	if err != nil {
		return fmt.Errorf("ensuring profile row: %w", err)
	}
	return nil
}

// GetProfile returns the user's profile, substituting defaults if no row
// has been written yet.
func (s *Store) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := &Profile{
		UserID:      u.ID,
		Username:    u.Username,
		AvatarEmoji: defaultAvatarEmoji,
		Theme:       defaultTheme,
		FontSize:    defaultFontSize,
		CreatedAt:   u.CreatedAt,
	}

	var (
		avatarURL sql.NullString
		quota     sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT avatar_emoji, avatar_url, bio, theme, font_size, storage_quota_mb
		FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.AvatarEmoji, &avatarURL, &p.Bio, &p.Theme, &p.FontSize, &quota)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	p.AvatarURL = avatarURL.String
	if quota.Valid {
		p.QuotaOverrideMB = &quota.Int64
	}
	return p, nil
}

// UpdateProfile applies the non-nil fields of upd, creating the profile row
// with defaults first if this is the user's first write.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, upd ProfileUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureProfileRow(ctx, tx, userID); err != nil {
			return err
		}
		var (
			clauses []string
			args    []any
		)
		set := func(col string, v *string) {
			if v != nil {
				clauses = append(clauses, col+" = ?")
				args = append(args, *v)
			}
		}
		set("avatar_emoji", upd.AvatarEmoji)
		set("avatar_url", upd.AvatarURL)
		set("bio", upd.Bio)
		set("theme", upd.Theme)
		set("font_size", upd.FontSize)
		if len(clauses) == 0 {
			return nil
		}
		args = append(args, userID)
		_, err := tx.ExecContext(ctx,
			`UPDATE user_profiles SET `+strings.Join(clauses, ", ")+` WHERE user_id = ?`,
			args...)
		if err != nil {
			return fmt.Errorf("updating profile: %w", err)
		}
		return nil
	})
}

// SetQuotaOverride sets the per-user storage quota in MB. A nil value
// resets the user to the global default. Administrative operation.
func (s *Store) SetQuotaOverride(ctx context.Context, userID int64, quotaMB *int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureProfileRow(ctx, tx, userID); err != nil {
			return err
		}
		var v any
		if quotaMB != nil {
			v = *quotaMB
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_profiles SET storage_quota_mb = ? WHERE user_id = ?`,
			v, userID); err != nil {
			return fmt.Errorf("updating quota override: %w", err)
		}
		s.logger.Info("set quota override", "user_id", userID, "quota_mb", quotaMB)
		return nil
	})
}
