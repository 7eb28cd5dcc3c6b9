// ABOUTME: Conversation store: private/group/self creation with dedup, listing, membership reads
// ABOUTME: Creation dedup runs under a write-locked transaction to close the check-then-act race

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// CreateSelfConversation returns the user's self conversation, creating it
// on first call. The existence check and insert share one write-locked
// transaction, so concurrent first calls yield exactly one row.
func (s *Store) CreateSelfConversation(ctx context.Context, userID int64) (int64, error) {
	var convID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT c.id FROM conversations c
			JOIN conversation_members cm ON c.id = cm.conversation_id
			WHERE c.kind = 'self' AND cm.user_id = ?`,
			userID,
		).Scan(&convID)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking self conversation: %w", err)
		}

		now := toMillis(time.Now().UTC())
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (name, kind, created_by, created_at) VALUES (?, 'self', ?, ?)`,
			SelfChatName, userID, now)
		if err != nil {
			return fmt.Errorf("inserting self conversation: %w", err)
		}
		convID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			convID, userID, now); err != nil {
			return fmt.Errorf("inserting membership: %w", err)
		}
		return nil
	})
	return convID, err
}

// CreatePrivateConversation returns the private conversation between two
// users, creating it if absent. A==B delegates to the self conversation.
// The write lock is taken before the existence check so two simultaneous
// calls for the same pair cannot both believe they are first.
func (s *Store) CreatePrivateConversation(ctx context.Context, a, b int64) (int64, error) {
	if a == b {
		return s.CreateSelfConversation(ctx, a)
	}
	var convID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT c.id FROM conversations c
			JOIN conversation_members cm1 ON c.id = cm1.conversation_id AND cm1.user_id = ?
			JOIN conversation_members cm2 ON c.id = cm2.conversation_id AND cm2.user_id = ?
			WHERE c.kind = 'private'`,
			a, b,
		).Scan(&convID)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking private conversation: %w", err)
		}

		now := toMillis(time.Now().UTC())
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (kind, created_by, created_at) VALUES ('private', ?, ?)`,
			a, now)
		if err != nil {
			return fmt.Errorf("inserting private conversation: %w", err)
		}
		convID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, uid := range []int64{a, b} {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
				convID, uid, now); err != nil {
				return fmt.Errorf("inserting membership: %w", err)
			}
		}
		return nil
	})
	return convID, err
}

// CreateGroupConversation creates a group with the creator as admin and the
// given members. Duplicate member ids (including the creator) collapse.
func (s *Store) CreateGroupConversation(ctx context.Context, name string, creatorID int64, memberIDs []int64) (int64, error) {
	members := map[int64]bool{creatorID: true}
	for _, id := range memberIDs {
		members[id] = true
	}

	var convID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(time.Now().UTC())
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (name, kind, created_by, created_at) VALUES (?, 'group', ?, ?)`,
			name, creatorID, now)
		if err != nil {
			return fmt.Errorf("inserting group: %w", err)
		}
		convID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for uid := range members {
			role := RoleMember
			if uid == creatorID {
				role = RoleAdmin
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_members (conversation_id, user_id, joined_at, role) VALUES (?, ?, ?, ?)`,
				convID, uid, now, role); err != nil {
				return fmt.Errorf("inserting member %d: %w", uid, err)
			}
		}
		return nil
	})
	if err == nil {
		s.logger.Info("created group", "conversation_id", convID, "creator", creatorID, "members", len(members))
	}
	return convID, err
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q querier, id int64) (*Conversation, error) {
	var (
		c         Conversation
		name      sql.NullString
		avatar    sql.NullString
		createdBy sql.NullInt64
		ms        int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, kind, avatar_url, announcement, created_by, created_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &name, &c.Kind, &avatar, &c.Announcement, &createdBy, &ms)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	c.Name = name.String
	c.AvatarURL = avatar.String
	if createdBy.Valid {
		c.CreatedBy = &createdBy.Int64
	}
	c.CreatedAt = fromMillis(ms)
	return &c, nil
}

// IsMember reports whether the user belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, convID, userID int64) (bool, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return false, err
	}
	return isMember(ctx, s.db, convID, userID)
}

func isMember(ctx context.Context, q querier, convID, userID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		convID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return true, nil
}

// Members returns the membership list of a conversation.
func (s *Store) Members(ctx context.Context, convID int64) ([]Member, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return listMembers(ctx, s.db, convID)
}

func listMembers(ctx context.Context, q querier, convID int64) ([]Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT u.id, u.username, cm.role, cm.joined_at
		FROM users u
		JOIN conversation_members cm ON u.id = cm.user_id
		WHERE cm.conversation_id = ?
		ORDER BY cm.joined_at, u.id`, convID)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var (
			m  Member
			ms int64
		)
		if err := rows.Scan(&m.UserID, &m.Username, &m.Role, &ms); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		m.JoinedAt = fromMillis(ms)
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListConversations returns every conversation the user belongs to, each
// with its full membership, a computed display name and its latest message,
// ordered by last activity (creation time for empty conversations).
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]ConversationView, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.kind, c.avatar_url, c.announcement, c.created_by, c.created_at
		FROM conversations c
		JOIN conversation_members cm ON c.id = cm.conversation_id
		WHERE cm.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var views []ConversationView
	for rows.Next() {
		var (
			v         ConversationView
			name      sql.NullString
			avatar    sql.NullString
			createdBy sql.NullInt64
			ms        int64
		)
		if err := rows.Scan(&v.ID, &name, &v.Kind, &avatar, &v.Announcement, &createdBy, &ms); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		v.Name = name.String
		v.AvatarURL = avatar.String
		if createdBy.Valid {
			v.CreatedBy = &createdBy.Int64
		}
		v.CreatedAt = fromMillis(ms)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	for i := range views {
		v := &views[i]
		members, err := listMembers(ctx, s.db, v.ID)
		if err != nil {
			return nil, err
		}
		v.Members = members
		v.DisplayName = displayName(v, userID)

		last, err := s.latestMessage(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		v.LastMessage = last
	}

	sortByActivity(views)
	return views, nil
}

func displayName(v *ConversationView, viewerID int64) string {
	switch v.Kind {
	case KindSelf:
		return SelfChatName
	case KindPrivate:
		for _, m := range v.Members {
			if m.UserID != viewerID {
				return m.Username
			}
		}
		return "Unknown"
	default:
		if v.Name != "" {
			return v.Name
		}
		return GroupNameFallback
	}
}

// sortByActivity orders views by last-message time descending, falling back
// to the conversation's creation time when it has no messages.
func sortByActivity(views []ConversationView) {
	activity := func(v ConversationView) time.Time {
		if v.LastMessage != nil {
			return v.LastMessage.SentAt
		}
		return v.CreatedAt
	}
	sort.SliceStable(views, func(i, j int) bool {
		return activity(views[i]).After(activity(views[j]))
	})
}

func (s *Store) latestMessage(ctx context.Context, convID int64) (*Message, error) {
	var (
		m        Message
		mediaRef sql.NullString
		ms       int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content,
		       m.msg_type, m.media_ref, m.is_revoked, m.sent_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = ?
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT 1`, convID,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content,
		&m.Type, &mediaRef, &m.Revoked, &ms)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest message: %w", err)
	}
	m.MediaRef = mediaRef.String
	m.SentAt = fromMillis(ms)
	return &m, nil
}
