// ABOUTME: Pinned messages per conversation, at most one pin row per message
// ABOUTME: Membership always required; group pins additionally need admin or creator

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// requirePinAuthority checks membership and, for group conversations, the
// admin-or-creator requirement. Private and self chats let any member pin.
func requirePinAuthority(ctx context.Context, q querier, convID, userID int64) error {
	conv, err := getConversation(ctx, q, convID)
	if err != nil {
		return err
	}
	member, err := isMember(ctx, q, convID, userID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: not a member of the conversation", ErrUnauthorized)
	}
	if conv.Kind == KindGroup {
		role, _, err := effectiveRole(ctx, q, convID, userID)
		if err != nil {
			return err
		}
		if role != RoleAdmin {
			return fmt.Errorf("%w: only group admins can manage pins", ErrUnauthorized)
		}
	}
	return nil
}

// PinMessage pins a message in its conversation. The message must belong to
// the conversation and not be revoked; pinning twice is a no-op thanks to
// the (conversation, message) uniqueness.
func (s *Store) PinMessage(ctx context.Context, convID, messageID, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requirePinAuthority(ctx, tx, convID, userID); err != nil {
			return err
		}
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM messages WHERE id = ? AND conversation_id = ? AND is_revoked = 0`,
			messageID, convID).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: message not pinnable", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO pinned_messages (conversation_id, message_id, pinned_by, pinned_at)
			VALUES (?, ?, ?, ?)`,
			convID, messageID, userID, toMillis(time.Now().UTC())); err != nil {
			return fmt.Errorf("inserting pin: %w", err)
		}
		return nil
	})
}

// UnpinMessage removes a pin. Same authority rules as PinMessage.
func (s *Store) UnpinMessage(ctx context.Context, convID, messageID, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requirePinAuthority(ctx, tx, convID, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pinned_messages WHERE conversation_id = ? AND message_id = ?`,
			convID, messageID); err != nil {
			return fmt.Errorf("deleting pin: %w", err)
		}
		return nil
	})
}

// PinnedMessages lists a conversation's pins, newest pin first.
func (s *Store) PinnedMessages(ctx context.Context, convID int64) ([]PinnedMessage, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.message_id, m.content, m.msg_type, m.media_ref, m.sent_at,
		       pm.pinned_by, u.username, pm.pinned_at
		FROM pinned_messages pm
		JOIN messages m ON m.id = pm.message_id
		JOIN users u ON u.id = pm.pinned_by
		WHERE pm.conversation_id = ?
		ORDER BY pm.pinned_at DESC`, convID)
	if err != nil {
		return nil, fmt.Errorf("querying pins: %w", err)
	}
	defer rows.Close()

	var pins []PinnedMessage
	for rows.Next() {
		var (
			p        PinnedMessage
			mediaRef sql.NullString
			sentMS   int64
			pinMS    int64
		)
		if err := rows.Scan(&p.MessageID, &p.Content, &p.Type, &mediaRef, &sentMS,
			&p.PinnedBy, &p.PinnedByName, &pinMS); err != nil {
			return nil, fmt.Errorf("scanning pin row: %w", err)
		}
		p.MediaRef = mediaRef.String
		p.SentAt = fromMillis(sentMS)
		p.PinnedAt = fromMillis(pinMS)
		pins = append(pins, p)
	}
	return pins, rows.Err()
}
