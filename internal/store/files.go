// ABOUTME: Storage quota accountant: atomic check-and-reserve over the upload ledger
// ABOUTME: Usage is always derived by summation; the engine never caches counters

package store

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// effectiveQuotaBytes resolves the user's quota: per-user override if set,
// else the global default setting. Expressed in bytes.
func effectiveQuotaBytes(ctx context.Context, q querier, userID int64) (int64, error) {
	var override sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT storage_quota_mb FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&override)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("querying quota override: %w", err)
	}
	if override.Valid {
		return override.Int64 * 1024 * 1024, nil
	}

	var raw string
	err = q.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = ?`, SettingDefaultQuotaMB,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return 10240 * 1024 * 1024, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying default quota: %w", err)
	}
	mb, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing default quota %q: %w", raw, err)
	}
	return mb * 1024 * 1024, nil
}

func usedBytes(ctx context.Context, q querier, userID int64) (int64, error) {
	var used int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(file_size), 0) FROM user_files WHERE user_id = ?`, userID,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("summing file sizes: %w", err)
	}
	return used, nil
}

// ReserveFile records an upload only if the user's ledger plus the new size
// stays within their effective quota. The sum, quota lookup and insert share
// one write-locked transaction, so two near-quota concurrent reservations
// cannot both succeed. A rejected reservation returns ErrQuotaExceeded and
// the caller is responsible for deleting the physical bytes.
func (s *Store) ReserveFile(ctx context.Context, userID int64, filePath string, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative file size", ErrConflict)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		used, err := usedBytes(ctx, tx, userID)
		if err != nil {
			return err
		}
		quota, err := effectiveQuotaBytes(ctx, tx, userID)
		if err != nil {
			return err
		}
		if used+size > quota {
			return ErrQuotaExceeded
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO user_files (user_id, file_path, file_size, uploaded_at) VALUES (?, ?, ?, ?)`,
			userID, filePath, size, toMillis(time.Now().UTC()))
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: file path already recorded", ErrConflict)
			}
			return fmt.Errorf("inserting file record: %w", err)
		}
		s.logger.Debug("reserved storage", "user_id", userID, "path", filePath, "size", size)
		return nil
	})
}

// IsFileOwner reports whether the path was recorded by this user. The
// upload layer uses this to stop users referencing someone else's media.
func (s *Store) IsFileOwner(ctx context.Context, userID int64, filePath string) (bool, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM user_files WHERE user_id = ? AND file_path = ?`,
		userID, filePath).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying file owner: %w", err)
	}
	return true, nil
}

// StorageInfo returns the user's used bytes, quota bytes and percentage,
// derived fresh from the ledger.
func (s *Store) StorageInfo(ctx context.Context, userID int64) (*StorageInfo, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	used, err := usedBytes(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	quota, err := effectiveQuotaBytes(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	info := &StorageInfo{UsedBytes: used, QuotaBytes: quota}
	if quota > 0 {
		info.Percent = float64(used) / float64(quota) * 100
	}
	return info, nil
}

// NewUploadPath mints a unique storage path for a user's upload. The engine
// only tracks paths; writing bytes there is the upload layer's job.
func NewUploadPath(userID int64, ext string) string {
	return path.Join("uploads", strconv.FormatInt(userID, 10), uuid.NewString()+ext)
}
