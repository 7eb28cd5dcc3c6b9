package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SendFriendRequest_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	accepted, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, accepted)

	// Repeating the same request is a conflict.
	_, err = s.SendFriendRequest(ctx, alice.ID, bob.ID)
	assert.ErrorIs(t, err, ErrConflict)

	// The reverse request collapses into acceptance.
	accepted, err = s.SendFriendRequest(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	friends, err := s.AreFriends(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, friends)

	// Requesting an established friendship is a conflict.
	_, err = s.SendFriendRequest(ctx, alice.ID, bob.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_SendFriendRequest_Self(t *testing.T) {
	s := setupTestStore(t)
	alice := mustCreateUser(t, s, "alice")

	_, err := s.SendFriendRequest(context.Background(), alice.ID, alice.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_SendFriendRequest_OppositeDirectionsConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.SendFriendRequest(ctx, alice.ID, bob.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.SendFriendRequest(ctx, bob.ID, alice.ID)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Exactly one row, and it is accepted.
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM friends`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	friends, err := s.AreFriends(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, friends)
}

func TestStore_AcceptFriendRequest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	_, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	incoming, err := s.IncomingRequests(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, alice.ID, incoming[0].UserID)

	// The initiator cannot accept their own request.
	err = s.AcceptFriendRequest(ctx, incoming[0].RequestID, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AcceptFriendRequest(ctx, incoming[0].RequestID, bob.ID))

	friends, err := s.AreFriends(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, friends)

	// Accepting twice fails: the row is no longer pending.
	err = s.AcceptFriendRequest(ctx, incoming[0].RequestID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RejectFriendRequest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	_, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	incoming, err := s.IncomingRequests(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, incoming, 1)

	require.NoError(t, s.RejectFriendRequest(ctx, incoming[0].RequestID, bob.ID))

	friends, err := s.AreFriends(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, friends)

	// Rejection deletes the row, so a fresh request works again.
	accepted, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestStore_RemoveFriend(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	_, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = s.SendFriendRequest(ctx, bob.ID, alice.ID)
	require.NoError(t, err)

	require.NoError(t, s.RemoveFriend(ctx, bob.ID, alice.ID))

	friends, err := s.AreFriends(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, friends)
}

func TestStore_AreFriends_Self(t *testing.T) {
	s := setupTestStore(t)
	alice := mustCreateUser(t, s, "alice")

	ok, err := s.AreFriends(context.Background(), alice.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_RequestViews(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	// alice -> bob, carol -> alice.
	_, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = s.SendFriendRequest(ctx, carol.ID, alice.ID)
	require.NoError(t, err)

	outgoing, err := s.OutgoingRequests(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "bob", outgoing[0].Username)

	incoming, err := s.IncomingRequests(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "carol", incoming[0].Username)

	count, err := s.PendingRequestCount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Friends_Listing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	for _, other := range []int64{bob.ID, carol.ID} {
		_, err := s.SendFriendRequest(ctx, alice.ID, other)
		require.NoError(t, err)
		_, err = s.SendFriendRequest(ctx, other, alice.ID)
		require.NoError(t, err)
	}

	friends, err := s.Friends(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, "bob", friends[0].Username)
	assert.Equal(t, "carol", friends[1].Username)

	friends, err = s.Friends(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "alice", friends[0].Username)
}
