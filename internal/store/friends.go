// ABOUTME: Friendship graph over canonical unordered pairs with race-safe request handling
// ABOUTME: The pair UNIQUE constraint is the sole concurrency guard; initiated_by keeps direction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// normPair maps (a, b) to the canonical (min, max) key so both insertion
// orders collide on one row.
func normPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// SendFriendRequest creates or advances the friendship between requester and
// addressee. If the addressee already has a pending request toward the
// requester, the two collapse into an immediate acceptance, so a pair of
// racing opposite-direction requests deterministically ends up accepted.
// Returns true when the pair is now friends (auto-accept path).
func (s *Store) SendFriendRequest(ctx context.Context, requesterID, addresseeID int64) (accepted bool, err error) {
	if requesterID == addresseeID {
		return false, fmt.Errorf("%w: cannot friend yourself", ErrConflict)
	}
	lo, hi := normPair(requesterID, addresseeID)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status      string
			initiatedBy sql.NullInt64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, initiated_by FROM friends WHERE user_lo = ? AND user_hi = ?`,
			lo, hi).Scan(&status, &initiatedBy)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO friends (user_lo, user_hi, initiated_by, status, created_at)
				VALUES (?, ?, ?, 'pending', ?)`,
				lo, hi, requesterID, toMillis(time.Now().UTC()))
			if err != nil {
				// A racing opposite-direction insert landed first; with the
				// write lock held this cannot happen, but the constraint
				// stays as the last line of defense.
				if isConstraintViolation(err) {
					return fmt.Errorf("%w: request already exists", ErrConflict)
				}
				return fmt.Errorf("inserting friend request: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("querying friendship: %w", err)
		}

		if status == FriendStatusAccepted {
			return fmt.Errorf("%w: already friends", ErrConflict)
		}
		if initiatedBy.Valid && initiatedBy.Int64 == requesterID {
			return fmt.Errorf("%w: request already pending", ErrConflict)
		}
		// The other party asked first; symmetric requests collapse into
		// acceptance regardless of arrival order.
		if _, err := tx.ExecContext(ctx,
			`UPDATE friends SET status = 'accepted' WHERE user_lo = ? AND user_hi = ?`,
			lo, hi); err != nil {
			return fmt.Errorf("auto-accepting friendship: %w", err)
		}
		accepted = true
		return nil
	})
	if err == nil {
		s.logger.Debug("friend request handled", "requester", requesterID, "addressee", addresseeID, "auto_accepted", accepted)
	}
	return accepted, err
}

// AcceptFriendRequest accepts a pending request. Only a party who did not
// initiate the request may accept it.
func (s *Store) AcceptFriendRequest(ctx context.Context, requestID, actorID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE friends SET status = 'accepted'
			WHERE id = ?
			  AND (user_lo = ? OR user_hi = ?)
			  AND initiated_by != ?
			  AND status = 'pending'`,
			requestID, actorID, actorID, actorID)
		if err != nil {
			return fmt.Errorf("accepting friend request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: no such pending request", ErrNotFound)
		}
		return nil
	})
}

// RejectFriendRequest deletes a pending request. Only a party who did not
// initiate the request may reject it.
func (s *Store) RejectFriendRequest(ctx context.Context, requestID, actorID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM friends
			WHERE id = ?
			  AND (user_lo = ? OR user_hi = ?)
			  AND initiated_by != ?
			  AND status = 'pending'`,
			requestID, actorID, actorID, actorID)
		if err != nil {
			return fmt.Errorf("rejecting friend request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: no such pending request", ErrNotFound)
		}
		return nil
	})
}

// RemoveFriend deletes the canonical row for the pair unconditionally.
func (s *Store) RemoveFriend(ctx context.Context, a, b int64) error {
	if err := s.EnsureReady(ctx); err != nil {
		return err
	}
	lo, hi := normPair(a, b)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM friends WHERE user_lo = ? AND user_hi = ?`, lo, hi)
	if err != nil {
		return fmt.Errorf("removing friendship: %w", err)
	}
	return nil
}

// AreFriends reports whether the pair has an accepted friendship.
func (s *Store) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return false, err
	}
	if a == b {
		return true, nil
	}
	lo, hi := normPair(a, b)
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM friends WHERE user_lo = ? AND user_hi = ? AND status = 'accepted'`,
		lo, hi).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying friendship: %w", err)
	}
	return true, nil
}

// Friends lists the accepted friends of a user, ordered by username. The
// other party is derived by comparing the stored pair against the viewer.
func (s *Store) Friends(ctx context.Context, userID int64) ([]Friend, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.user_lo = ? THEN f.user_hi ELSE f.user_lo END
		WHERE (f.user_lo = ? OR f.user_hi = ?) AND f.status = 'accepted'
		ORDER BY u.username`,
		userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying friends: %w", err)
	}
	defer rows.Close()

	var friends []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.UserID, &f.Username); err != nil {
			return nil, fmt.Errorf("scanning friend row: %w", err)
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// IncomingRequests lists pending requests addressed to the user (rows where
// someone else initiated), newest first.
func (s *Store) IncomingRequests(ctx context.Context, userID int64) ([]FriendRequest, error) {
	return s.pendingRequests(ctx, userID, true)
}

// OutgoingRequests lists the user's own pending requests, newest first.
func (s *Store) OutgoingRequests(ctx context.Context, userID int64) ([]FriendRequest, error) {
	return s.pendingRequests(ctx, userID, false)
}

func (s *Store) pendingRequests(ctx context.Context, userID int64, incoming bool) ([]FriendRequest, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	op := "="
	if incoming {
		op = "!="
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, u.id, u.username, f.created_at
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.user_lo = ? THEN f.user_hi ELSE f.user_lo END
		WHERE (f.user_lo = ? OR f.user_hi = ?)
		  AND f.initiated_by `+op+` ?
		  AND f.status = 'pending'
		ORDER BY f.created_at DESC`,
		userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying friend requests: %w", err)
	}
	defer rows.Close()

	var requests []FriendRequest
	for rows.Next() {
		var (
			r  FriendRequest
			ms int64
		)
		if err := rows.Scan(&r.RequestID, &r.UserID, &r.Username, &ms); err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		r.CreatedAt = fromMillis(ms)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// PendingRequestCount counts pending requests addressed to the user.
func (s *Store) PendingRequestCount(ctx context.Context, userID int64) (int, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM friends
		WHERE (user_lo = ? OR user_hi = ?)
		  AND initiated_by != ?
		  AND status = 'pending'`,
		userID, userID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting friend requests: %w", err)
	}
	return count, nil
}
