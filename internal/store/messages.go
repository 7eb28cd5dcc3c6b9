// ABOUTME: Append-only message ledger with revoke/edit/forward overlays and keyset pagination
// ABOUTME: Revocation writes a tombstone, clears the media ref and purges favorites

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage appends a message and returns the persisted record with the
// server-assigned id and timestamp.
func (s *Store) SaveMessage(ctx context.Context, convID, senderID int64, content, msgType, mediaRef string, forwardFrom *int64) (*Message, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if msgType == "" {
		msgType = MessageTypeText
	}

	m, err := saveMessage(ctx, s.db, convID, senderID, content, msgType, mediaRef, forwardFrom)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("saved message", "id", m.ID, "conversation_id", convID, "type", msgType)
	return m, nil
}

func saveMessage(ctx context.Context, q querier, convID, senderID int64, content, msgType, mediaRef string, forwardFrom *int64) (*Message, error) {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, msg_type, media_ref, forward_from, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		convID, senderID, content, msgType, nullString(mediaRef), forwardFrom, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}
	return &Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		MediaRef:       mediaRef,
		ForwardFrom:    forwardFrom,
		SentAt:         now,
	}, nil
}

const messageSelect = `
	SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content,
	       m.msg_type, m.media_ref, m.is_revoked, m.edited_at, m.forward_from, m.sent_at,
	       om.content, ou.username, om.msg_type
	FROM messages m
	JOIN users u ON m.sender_id = u.id
	LEFT JOIN messages om ON m.forward_from = om.id
	LEFT JOIN users ou ON om.sender_id = ou.id
`

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var (
		m          Message
		mediaRef   sql.NullString
		editedAt   sql.NullInt64
		fwdFrom    sql.NullInt64
		ms         int64
		origText   sql.NullString
		origSender sql.NullString
		origType   sql.NullString
	)
	err := scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content,
		&m.Type, &mediaRef, &m.Revoked, &editedAt, &fwdFrom, &ms,
		&origText, &origSender, &origType)
	if err != nil {
		return nil, err
	}
	m.MediaRef = mediaRef.String
	if editedAt.Valid {
		t := fromMillis(editedAt.Int64)
		m.EditedAt = &t
	}
	if fwdFrom.Valid {
		m.ForwardFrom = &fwdFrom.Int64
		if origText.Valid {
			m.Forwarded = &ForwardSource{
				Content:    origText.String,
				SenderName: origSender.String,
				Type:       origType.String,
			}
		}
	}
	m.SentAt = fromMillis(ms)
	return &m, nil
}

// GetMessage retrieves one message with sender and forward source resolved.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return getMessage(ctx, s.db, id)
}

func getMessage(ctx context.Context, q querier, id int64) (*Message, error) {
	row := q.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// Messages returns up to limit messages of a conversation sent strictly
// before the given time (the most recent page if before is nil), in
// ascending chronological order for display.
func (s *Store) Messages(ctx context.Context, convID int64, before *time.Time, limit int) ([]*Message, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := messageSelect + ` WHERE m.conversation_id = ?`
	args := []any{convID}
	if before != nil {
		query += ` AND m.sent_at < ?`
		args = append(args, toMillis(*before))
	}
	query += ` ORDER BY m.sent_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var page []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	// Fetched newest-first; reverse for display order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// RevokeMessage replaces the message content with the tombstone, clears the
// media reference and deletes favorites of it. Sender only; revoking twice
// is a conflict.
func (s *Store) RevokeMessage(ctx context.Context, messageID, actorID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			senderID int64
			revoked  bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT sender_id, is_revoked FROM messages WHERE id = ?`, messageID,
		).Scan(&senderID, &revoked)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		if senderID != actorID {
			return fmt.Errorf("%w: only the sender can revoke a message", ErrUnauthorized)
		}
		if revoked {
			return fmt.Errorf("%w: message already revoked", ErrConflict)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_revoked = 1, content = ?, media_ref = NULL WHERE id = ?`,
			Tombstone, messageID); err != nil {
			return fmt.Errorf("revoking message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM favorite_messages WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("purging favorites: %w", err)
		}
		s.logger.Debug("revoked message", "id", messageID)
		return nil
	})
}

// EditMessage updates a text message's content and stamps edited_at.
// Sender only; revoked or non-text messages are rejected.
func (s *Store) EditMessage(ctx context.Context, messageID, actorID int64, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			senderID int64
			revoked  bool
			msgType  string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT sender_id, is_revoked, msg_type FROM messages WHERE id = ?`, messageID,
		).Scan(&senderID, &revoked, &msgType)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		if senderID != actorID {
			return fmt.Errorf("%w: only the sender can edit a message", ErrUnauthorized)
		}
		if revoked {
			return fmt.Errorf("%w: message already revoked", ErrConflict)
		}
		if msgType != MessageTypeText {
			return fmt.Errorf("%w: only text messages can be edited", ErrConflict)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`,
			content, toMillis(time.Now().UTC()), messageID); err != nil {
			return fmt.Errorf("editing message: %w", err)
		}
		return nil
	})
}

// ForwardMessage copies a message into each target conversation the actor
// belongs to, recording the original as the forward source. Revoked
// originals are rejected; non-member targets are silently skipped. Returns
// the number of conversations actually forwarded to. The revoked check and
// the inserts share one write-locked transaction, so a concurrent revoke
// cannot slip in between them and the forwards land all-or-nothing.
func (s *Store) ForwardMessage(ctx context.Context, messageID, actorID int64, targetConvIDs []int64) (int, error) {
	forwarded := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		original, err := getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if original.Revoked {
			return fmt.Errorf("%w: revoked messages cannot be forwarded", ErrConflict)
		}
		member, err := isMember(ctx, tx, original.ConversationID, actorID)
		if err != nil {
			return err
		}
		if !member {
			return fmt.Errorf("%w: not a member of the source conversation", ErrUnauthorized)
		}

		for _, convID := range targetConvIDs {
			member, err := isMember(ctx, tx, convID, actorID)
			if err != nil {
				return err
			}
			if !member {
				continue
			}
			if _, err := saveMessage(ctx, tx, convID, actorID,
				original.Content, original.Type, original.MediaRef, &original.ID); err != nil {
				return err
			}
			forwarded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("forwarded message", "id", messageID, "targets", len(targetConvIDs), "forwarded", forwarded)
	return forwarded, nil
}
