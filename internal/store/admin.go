// ABOUTME: Administrative operations: aggregate stats and the user deletion cascade
// ABOUTME: The cascade promotes group successors and runs as a single transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Stats returns aggregate counters for the admin surface.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	var st Stats
	queries := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&st.Users, `SELECT COUNT(*) FROM users`, nil},
		{&st.Groups, `SELECT COUNT(*) FROM conversations WHERE kind = 'group'`, nil},
		{&st.Messages, `SELECT COUNT(*) FROM messages`, nil},
		{&st.ActiveUsers24h,
			`SELECT COUNT(DISTINCT sender_id) FROM messages WHERE sent_at > ?`,
			[]any{toMillis(time.Now().UTC().Add(-24 * time.Hour))}},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats: %w", err)
		}
	}
	return &st, nil
}

// DeleteUserCascade removes a user and everything that references them, in
// one transaction so no partial cascade is ever visible. For every group
// the user created, a successor is promoted first: the earliest-joined
// admin if one exists, otherwise the earliest-joined member; a group with
// no other members becomes creator-less and is swept with the orphans.
// Returns the upload paths whose records were removed, so the caller can
// delete the physical bytes.
func (s *Store) DeleteUserCascade(ctx context.Context, userID int64) ([]string, error) {
	var removedPaths []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying user: %w", err)
		}

		paths, err := collectUploadPaths(ctx, tx, userID)
		if err != nil {
			return err
		}
		removedPaths = paths
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_files WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("deleting file records: %w", err)
		}

		if err := promoteSuccessors(ctx, tx, userID); err != nil {
			return err
		}

		// Favorites and pins referencing the user's messages go first so
		// no row dangles once the messages are gone.
		cascade := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM favorite_messages WHERE user_id = ?
			  OR message_id IN (SELECT id FROM messages WHERE sender_id = ?)`, []any{userID, userID}},
			{`DELETE FROM pinned_messages WHERE pinned_by = ?
			  OR message_id IN (SELECT id FROM messages WHERE sender_id = ?)`, []any{userID, userID}},
			{`DELETE FROM conversation_members WHERE user_id = ?`, []any{userID}},
			{`DELETE FROM messages WHERE sender_id = ?`, []any{userID}},
			{`DELETE FROM favorite_messages WHERE message_id IN (
				SELECT id FROM messages WHERE conversation_id NOT IN (
					SELECT DISTINCT conversation_id FROM conversation_members))`, nil},
			{`DELETE FROM pinned_messages WHERE conversation_id NOT IN (
				SELECT DISTINCT conversation_id FROM conversation_members)`, nil},
			{`DELETE FROM messages WHERE conversation_id NOT IN (
				SELECT DISTINCT conversation_id FROM conversation_members)`, nil},
			{`DELETE FROM conversations WHERE id NOT IN (
				SELECT DISTINCT conversation_id FROM conversation_members)`, nil},
			{`DELETE FROM friends WHERE user_lo = ? OR user_hi = ?`, []any{userID, userID}},
			{`DELETE FROM user_profiles WHERE user_id = ?`, []any{userID}},
			{`DELETE FROM users WHERE id = ?`, []any{userID}},
		}
		for _, step := range cascade {
			if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
				return fmt.Errorf("cascading delete: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deleted user", "user_id", userID, "removed_files", len(removedPaths))
	return removedPaths, nil
}

func collectUploadPaths(ctx context.Context, q querier, userID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT file_path FROM user_files WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying file paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning file path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// promoteSuccessors reassigns ownership of every group the user created.
// Admins win over plain members; ties break on earliest join time. Groups
// with nobody else left get a NULL creator and are cleaned up by the
// orphan sweep in the cascade.
func promoteSuccessors(ctx context.Context, tx *sql.Tx, userID int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM conversations WHERE created_by = ? AND kind = 'group'`, userID)
	if err != nil {
		return fmt.Errorf("querying owned groups: %w", err)
	}
	var groupIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning group id: %w", err)
		}
		groupIDs = append(groupIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, gid := range groupIDs {
		var successor int64
		err := tx.QueryRowContext(ctx, `
			SELECT user_id FROM conversation_members
			WHERE conversation_id = ? AND user_id != ?
			ORDER BY CASE role WHEN 'admin' THEN 0 ELSE 1 END, joined_at
			LIMIT 1`, gid, userID).Scan(&successor)
		if err == sql.ErrNoRows {
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET created_by = NULL WHERE id = ?`, gid); err != nil {
				return fmt.Errorf("orphaning group %d: %w", gid, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("finding successor for group %d: %w", gid, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET created_by = ? WHERE id = ?`, successor, gid); err != nil {
			return fmt.Errorf("promoting successor for group %d: %w", gid, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_members SET role = 'admin' WHERE conversation_id = ? AND user_id = ?`,
			gid, successor); err != nil {
			return fmt.Errorf("granting admin to successor for group %d: %w", gid, err)
		}
	}
	return nil
}
