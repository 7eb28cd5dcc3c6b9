// ABOUTME: Identity and credential store: accounts, password verification, bans, search
// ABOUTME: Hashing is delegated to the pluggable PasswordHasher capability

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateUser registers a new account. The username must be unique; a
// duplicate returns ErrConflict.
func (s *Store) CreateUser(ctx context.Context, username, password string) (*User, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, toMillis(now))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("%w: username already exists", ErrConflict)
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading user id: %w", err)
	}

	s.logger.Info("created user", "id", id, "username", username)
	return &User{ID: id, Username: username, CreatedAt: now}, nil
}

// VerifyUser checks a username/password pair and returns the user on
// success. A wrong password or unknown username returns ErrUnauthorized.
func (s *Store) VerifyUser(ctx context.Context, username, password string) (*User, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	var (
		u    User
		hash string
		ms   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, is_banned FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &hash, &ms, &u.Banned)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	ok, err := s.hasher.Verify(hash, password)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	u.CreatedAt = fromMillis(ms)
	return &u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	var (
		u  User
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at, is_banned FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &ms, &u.Banned)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt = fromMillis(ms)
	return &u, nil
}

// IsBanned reports whether the user exists and carries the banned flag.
func (s *Store) IsBanned(ctx context.Context, id int64) (bool, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	return u.Banned, nil
}

// SetBanned sets or clears a user's banned flag.
func (s *Store) SetBanned(ctx context.Context, id int64, banned bool) error {
	if err := s.EnsureReady(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_banned = ? WHERE id = ?`, banned, id)
	if err != nil {
		return fmt.Errorf("updating ban flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Info("updated ban flag", "user_id", id, "banned", banned)
	return nil
}

// ChangePassword replaces a user's credential hash after verifying the old
// password. A wrong old password returns ErrUnauthorized.
func (s *Store) ChangePassword(ctx context.Context, id int64, oldPassword, newPassword string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var hash string
		err := tx.QueryRowContext(ctx,
			`SELECT password_hash FROM users WHERE id = ?`, id).Scan(&hash)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying user: %w", err)
		}
		ok, err := s.hasher.Verify(hash, oldPassword)
		if err != nil {
			return fmt.Errorf("verifying password: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: wrong password", ErrUnauthorized)
		}
		newHash, err := s.hasher.Hash(newPassword)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET password_hash = ? WHERE id = ?`, newHash, id); err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		return nil
	})
}

// escapeLike escapes LIKE wildcards so a search term matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SearchUsers finds users by username substring, annotating each hit with
// the viewer's friendship relation. The viewer sorts first if matched.
func (s *Store) SearchUsers(ctx context.Context, viewerID int64, query string, limit int) ([]SearchResult, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, f.status, f.initiated_by
		FROM users u
		LEFT JOIN friends f
			ON f.user_lo = MIN(u.id, ?) AND f.user_hi = MAX(u.id, ?)
		WHERE u.username LIKE ? ESCAPE '\'
		ORDER BY CASE WHEN u.id = ? THEN 0 ELSE 1 END, u.username
		LIMIT ?`,
		viewerID, viewerID, "%"+escapeLike(query)+"%", viewerID, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r           SearchResult
			status      sql.NullString
			initiatedBy sql.NullInt64
		)
		if err := rows.Scan(&r.UserID, &r.Username, &status, &initiatedBy); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		switch {
		case r.UserID == viewerID:
			r.Relation, r.CanChat = RelationSelf, true
		case status.Valid && status.String == FriendStatusAccepted:
			r.Relation, r.CanChat = RelationFriend, true
		case status.Valid && status.String == FriendStatusPending:
			if initiatedBy.Valid && initiatedBy.Int64 == viewerID {
				r.Relation = RelationPendingOut
			} else {
				r.Relation = RelationPendingIn
			}
		default:
			r.Relation = RelationNone
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListUsers returns every account with quota override and derived storage
// usage, for the admin surface.
func (s *Store) ListUsers(ctx context.Context) ([]UserListing, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.created_at, u.is_banned,
		       p.storage_quota_mb,
		       COALESCE((SELECT SUM(f.file_size) FROM user_files f WHERE f.user_id = u.id), 0)
		FROM users u
		LEFT JOIN user_profiles p ON p.user_id = u.id
		ORDER BY u.id`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var listings []UserListing
	for rows.Next() {
		var (
			l     UserListing
			ms    int64
			quota sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.Username, &ms, &l.Banned, &quota, &l.UsedBytes); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		l.CreatedAt = fromMillis(ms)
		if quota.Valid {
			l.QuotaOverrideMB = &quota.Int64
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}
