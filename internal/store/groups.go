// ABOUTME: Group membership and role mutations with effective-role authorization
// ABOUTME: Creator privileges fold into the stored role via effectiveRole everywhere

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// effectiveRole folds implicit creator privileges into the stored role: the
// creator of a conversation is always admin regardless of the role column.
// Non-members get an empty role.
func effectiveRole(ctx context.Context, q querier, convID, userID int64) (role string, isCreator bool, err error) {
	conv, err := getConversation(ctx, q, convID)
	if err != nil {
		return "", false, err
	}
	isCreator = conv.CreatedBy != nil && *conv.CreatedBy == userID

	err = q.QueryRowContext(ctx,
		`SELECT role FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		convID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		err = nil
		role = ""
	}
	if err != nil {
		return "", false, fmt.Errorf("querying role: %w", err)
	}
	if isCreator {
		role = RoleAdmin
	}
	return role, isCreator, nil
}

// requireGroupAdmin verifies convID is a group and the operator is its
// creator or carries the admin role.
func requireGroupAdmin(ctx context.Context, q querier, convID, operatorID int64) error {
	conv, err := getConversation(ctx, q, convID)
	if err != nil {
		return err
	}
	if conv.Kind != KindGroup {
		return fmt.Errorf("%w: not a group conversation", ErrConflict)
	}
	role, _, err := effectiveRole(ctx, q, convID, operatorID)
	if err != nil {
		return err
	}
	if role != RoleAdmin {
		return fmt.Errorf("%w: admin role required", ErrUnauthorized)
	}
	return nil
}

// AddMember adds a user to a group. Operator must be admin or creator;
// duplicate membership is a conflict.
func (s *Store) AddMember(ctx context.Context, convID, operatorID, newMemberID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireGroupAdmin(ctx, tx, convID, operatorID); err != nil {
			return err
		}
		member, err := isMember(ctx, tx, convID, newMemberID)
		if err != nil {
			return err
		}
		if member {
			return fmt.Errorf("%w: user already in group", ErrConflict)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, joined_at, role) VALUES (?, ?, ?, 'member')`,
			convID, newMemberID, toMillis(time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("inserting member: %w", err)
		}
		return nil
	})
}

// RemoveMember removes a user from a group. Removing the creator is
// rejected; they must transfer ownership first.
func (s *Store) RemoveMember(ctx context.Context, convID, operatorID, memberID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireGroupAdmin(ctx, tx, convID, operatorID); err != nil {
			return err
		}
		conv, err := getConversation(ctx, tx, convID)
		if err != nil {
			return err
		}
		if conv.CreatedBy != nil && *conv.CreatedBy == memberID {
			return fmt.Errorf("%w: cannot remove the group owner", ErrConflict)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
			convID, memberID)
		if err != nil {
			return fmt.Errorf("deleting member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetMemberRole changes a member's stored role. Owner-only.
func (s *Store) SetMemberRole(ctx context.Context, convID, operatorID, memberID int64, role string) error {
	if role != RoleAdmin && role != RoleMember {
		return fmt.Errorf("%w: invalid role %q", ErrConflict, role)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, convID)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return fmt.Errorf("%w: not a group conversation", ErrConflict)
		}
		if conv.CreatedBy == nil || *conv.CreatedBy != operatorID {
			return fmt.Errorf("%w: only the owner can assign roles", ErrUnauthorized)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE conversation_members SET role = ? WHERE conversation_id = ? AND user_id = ?`,
			role, convID, memberID)
		if err != nil {
			return fmt.Errorf("updating role: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LeaveGroup removes the caller's own membership. Creators cannot leave;
// they must transfer ownership or be deleted administratively.
func (s *Store) LeaveGroup(ctx context.Context, convID, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, convID)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return fmt.Errorf("%w: not a group conversation", ErrConflict)
		}
		if conv.CreatedBy != nil && *conv.CreatedBy == userID {
			return fmt.Errorf("%w: the owner must transfer ownership before leaving", ErrConflict)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
			convID, userID)
		if err != nil {
			return fmt.Errorf("deleting membership: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TransferOwnership reassigns the group creator. The new owner must already
// be a member; they become admin and the old owner drops to member.
func (s *Store) TransferOwnership(ctx context.Context, convID, ownerID, newOwnerID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, convID)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return fmt.Errorf("%w: not a group conversation", ErrConflict)
		}
		if conv.CreatedBy == nil || *conv.CreatedBy != ownerID {
			return fmt.Errorf("%w: only the owner can transfer ownership", ErrUnauthorized)
		}
		member, err := isMember(ctx, tx, convID, newOwnerID)
		if err != nil {
			return err
		}
		if !member {
			return fmt.Errorf("%w: new owner must be a member", ErrConflict)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET created_by = ? WHERE id = ?`, newOwnerID, convID); err != nil {
			return fmt.Errorf("updating owner: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_members SET role = 'admin' WHERE conversation_id = ? AND user_id = ?`,
			convID, newOwnerID); err != nil {
			return fmt.Errorf("promoting new owner: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_members SET role = 'member' WHERE conversation_id = ? AND user_id = ?`,
			convID, ownerID); err != nil {
			return fmt.Errorf("demoting old owner: %w", err)
		}
		s.logger.Info("transferred group ownership", "conversation_id", convID, "from", ownerID, "to", newOwnerID)
		return nil
	})
}

// UpdateGroupName renames a group. Admin or creator only.
func (s *Store) UpdateGroupName(ctx context.Context, convID, operatorID int64, name string) error {
	return s.updateGroupField(ctx, convID, operatorID, `UPDATE conversations SET name = ? WHERE id = ?`, name)
}

// UpdateGroupAnnouncement replaces the group announcement. Admin or creator only.
func (s *Store) UpdateGroupAnnouncement(ctx context.Context, convID, operatorID int64, announcement string) error {
	return s.updateGroupField(ctx, convID, operatorID, `UPDATE conversations SET announcement = ? WHERE id = ?`, announcement)
}

// UpdateGroupAvatar sets the group avatar reference. Admin or creator only.
func (s *Store) UpdateGroupAvatar(ctx context.Context, convID, operatorID int64, avatarURL string) error {
	return s.updateGroupField(ctx, convID, operatorID, `UPDATE conversations SET avatar_url = ? WHERE id = ?`, avatarURL)
}

func (s *Store) updateGroupField(ctx context.Context, convID, operatorID int64, query, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireGroupAdmin(ctx, tx, convID, operatorID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, value, convID); err != nil {
			return fmt.Errorf("updating group: %w", err)
		}
		return nil
	})
}

// GetGroupSettings returns a group with its members and the viewer's
// effective role. Non-groups return ErrNotFound; non-member viewers are
// rejected.
func (s *Store) GetGroupSettings(ctx context.Context, convID, userID int64) (*GroupSettings, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	conv, err := getConversation(ctx, s.db, convID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != KindGroup {
		return nil, ErrNotFound
	}
	members, err := listMembers(ctx, s.db, convID)
	if err != nil {
		return nil, err
	}
	role, _, err := effectiveRole(ctx, s.db, convID, userID)
	if err != nil {
		return nil, err
	}
	if role == "" {
		return nil, fmt.Errorf("%w: not a member of the group", ErrUnauthorized)
	}
	return &GroupSettings{Conversation: *conv, Members: members, MyRole: role}, nil
}

// DeleteGroup removes a group with its messages and memberships.
// Administrative operation; the caller is trusted.
func (s *Store) DeleteGroup(ctx context.Context, convID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, convID)
		if err != nil {
			return err
		}
		if conv.Kind != KindGroup {
			return fmt.Errorf("%w: not a group conversation", ErrConflict)
		}
		for _, stmt := range []string{
			`DELETE FROM pinned_messages WHERE conversation_id = ?`,
			`DELETE FROM favorite_messages WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
			`DELETE FROM messages WHERE conversation_id = ?`,
			`DELETE FROM conversation_members WHERE conversation_id = ?`,
			`DELETE FROM conversations WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, convID); err != nil {
				return fmt.Errorf("deleting group: %w", err)
			}
		}
		s.logger.Info("deleted group", "conversation_id", convID)
		return nil
	})
}

// ListGroups returns every group with members, for the admin surface.
func (s *Store) ListGroups(ctx context.Context) ([]GroupListing, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.created_at, COALESCE(u.username, '')
		FROM conversations c
		LEFT JOIN users u ON c.created_by = u.id
		WHERE c.kind = 'group'
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close()

	var groups []GroupListing
	for rows.Next() {
		var (
			g    GroupListing
			name sql.NullString
			ms   int64
		)
		if err := rows.Scan(&g.ID, &name, &ms, &g.CreatorName); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		g.Name = name.String
		g.CreatedAt = fromMillis(ms)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		members, err := listMembers(ctx, s.db, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}
