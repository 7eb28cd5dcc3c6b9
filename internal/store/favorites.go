// ABOUTME: Per-user favorite message set with atomic toggle semantics
// ABOUTME: Toggle runs delete-else-insert inside one write-locked transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ToggleFavorite flips the message's membership in the user's favorite set
// and returns the resulting state (true = now favorited). Revoked or absent
// messages are rejected. The existence check and mutation share one
// write-locked transaction, so concurrent duplicate toggles serialize.
func (s *Store) ToggleFavorite(ctx context.Context, userID, messageID int64) (bool, error) {
	var favorited bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var revoked bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_revoked FROM messages WHERE id = ?`, messageID).Scan(&revoked)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		if revoked {
			return fmt.Errorf("%w: revoked messages cannot be favorited", ErrConflict)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM favorite_messages WHERE user_id = ? AND message_id = ?`,
			userID, messageID)
		if err != nil {
			return fmt.Errorf("deleting favorite: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			favorited = false
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO favorite_messages (user_id, message_id, created_at) VALUES (?, ?, ?)`,
			userID, messageID, toMillis(time.Now().UTC())); err != nil {
			return fmt.Errorf("inserting favorite: %w", err)
		}
		favorited = true
		return nil
	})
	return favorited, err
}

// Favorites returns one keyset page of the user's favorites, newest
// favorited first, with conversation context attached. The cursor pairs the
// favorited-at time with the message id so same-millisecond favorites are
// never skipped across a page boundary.
func (s *Store) Favorites(ctx context.Context, userID int64, before *FavoriteCursor, limit int) (*FavoritesPage, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}

	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content,
		       m.msg_type, m.media_ref, m.is_revoked, m.edited_at, m.forward_from, m.sent_at,
		       fm.created_at, c.name, c.kind
		FROM favorite_messages fm
		JOIN messages m ON fm.message_id = m.id
		JOIN users u ON m.sender_id = u.id
		JOIN conversations c ON c.id = m.conversation_id
		WHERE fm.user_id = ?`
	args := []any{userID}
	if before != nil {
		query += ` AND (fm.created_at < ? OR (fm.created_at = ? AND fm.message_id < ?))`
		ms := toMillis(before.FavoritedAt)
		args = append(args, ms, ms, before.MessageID)
	}
	// One extra row decides has_more without a second query.
	query += ` ORDER BY fm.created_at DESC, fm.message_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying favorites: %w", err)
	}
	defer rows.Close()

	var items []FavoriteMessage
	for rows.Next() {
		var (
			f        FavoriteMessage
			mediaRef sql.NullString
			editedAt sql.NullInt64
			fwdFrom  sql.NullInt64
			sentMS   int64
			favMS    int64
			convName sql.NullString
		)
		err := rows.Scan(&f.ID, &f.ConversationID, &f.SenderID, &f.SenderName, &f.Content,
			&f.Type, &mediaRef, &f.Revoked, &editedAt, &fwdFrom, &sentMS,
			&favMS, &convName, &f.ConversationKind)
		if err != nil {
			return nil, fmt.Errorf("scanning favorite row: %w", err)
		}
		f.MediaRef = mediaRef.String
		if editedAt.Valid {
			t := fromMillis(editedAt.Int64)
			f.EditedAt = &t
		}
		if fwdFrom.Valid {
			f.ForwardFrom = &fwdFrom.Int64
		}
		f.SentAt = fromMillis(sentMS)
		f.FavoritedAt = fromMillis(favMS)
		f.ConversationName = convName.String
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating favorite rows: %w", err)
	}

	page := &FavoritesPage{}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.NextBefore = &FavoriteCursor{FavoritedAt: last.FavoritedAt, MessageID: last.ID}
	} else {
		page.Items = items
	}
	return page, nil
}
