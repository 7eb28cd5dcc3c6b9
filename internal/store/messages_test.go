package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatFixture is a private conversation between two fresh users.
type chatFixture struct {
	alice  *User
	bob    *User
	convID int64
}

func setupChat(t *testing.T, s *Store) chatFixture {
	t.Helper()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	convID, err := s.CreatePrivateConversation(context.Background(), alice.ID, bob.ID)
	require.NoError(t, err)
	return chatFixture{alice: alice, bob: bob, convID: convID}
}

func TestStore_SaveMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "hello", MessageTypeText, "", nil)
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.False(t, m.SentAt.IsZero())

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "alice", got.SenderName)
	assert.False(t, got.Revoked)
	assert.Nil(t, got.EditedAt)
}

func TestStore_SaveMessage_DefaultsToText(t *testing.T) {
	s := setupTestStore(t)
	fx := setupChat(t, s)

	m, err := s.SaveMessage(context.Background(), fx.convID, fx.alice.ID, "hello", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeText, m.Type)
}

func TestStore_Messages_Pagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	for i := 0; i < 5; i++ {
		_, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID,
			fmt.Sprintf("msg %d", i), MessageTypeText, "", nil)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := s.Messages(ctx, fx.convID, nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "msg 2", page[0].Content)
	assert.Equal(t, "msg 4", page[2].Content)

	older, err := s.Messages(ctx, fx.convID, &page[0].SentAt, 3)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "msg 0", older[0].Content)
	assert.Equal(t, "msg 1", older[1].Content)
}

func TestStore_Messages_LimitClamped(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	_, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "hello", MessageTypeText, "", nil)
	require.NoError(t, err)

	page, err := s.Messages(ctx, fx.convID, nil, -1)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestStore_RevokeMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "oops", MessageTypeImage, "uploads/1/x.png", nil)
	require.NoError(t, err)

	// A favorite that must disappear with the revocation.
	_, err = s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
	require.NoError(t, err)

	// Only the sender may revoke.
	err = s.RevokeMessage(ctx, m.ID, fx.bob.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, s.RevokeMessage(ctx, m.ID, fx.alice.ID))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, Tombstone, got.Content)
	assert.Empty(t, got.MediaRef)

	favs, err := s.Favorites(ctx, fx.bob.ID, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, favs.Items)

	// Revoking twice is a conflict.
	err = s.RevokeMessage(ctx, m.ID, fx.alice.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_RevokedMessage_BlocksFollowups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "oops", MessageTypeText, "", nil)
	require.NoError(t, err)
	require.NoError(t, s.RevokeMessage(ctx, m.ID, fx.alice.ID))

	err = s.EditMessage(ctx, m.ID, fx.alice.ID, "rewritten")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.ForwardMessage(ctx, m.ID, fx.alice.ID, []int64{fx.convID})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_EditMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "helo", MessageTypeText, "", nil)
	require.NoError(t, err)

	err = s.EditMessage(ctx, m.ID, fx.bob.ID, "hijacked")
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, s.EditMessage(ctx, m.ID, fx.alice.ID, "hello"))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	require.NotNil(t, got.EditedAt)

	// Non-text messages cannot be edited.
	img, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "", MessageTypeImage, "uploads/1/x.png", nil)
	require.NoError(t, err)
	err = s.EditMessage(ctx, img.ID, fx.alice.ID, "caption")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_ForwardMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)
	carol := mustCreateUser(t, s, "carol")

	// A group alice belongs to, and one she does not.
	groupID, err := s.CreateGroupConversation(ctx, "shared", fx.alice.ID, []int64{fx.bob.ID})
	require.NoError(t, err)
	strangerID, err := s.CreatePrivateConversation(ctx, fx.bob.ID, carol.ID)
	require.NoError(t, err)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "spread the word", MessageTypeText, "", nil)
	require.NoError(t, err)

	n, err := s.ForwardMessage(ctx, m.ID, fx.alice.ID, []int64{groupID, strangerID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := s.Messages(ctx, groupID, nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	fwd := page[0]
	assert.Equal(t, "spread the word", fwd.Content)
	require.NotNil(t, fwd.ForwardFrom)
	assert.Equal(t, m.ID, *fwd.ForwardFrom)
	require.NotNil(t, fwd.Forwarded)
	assert.Equal(t, "alice", fwd.Forwarded.SenderName)

	// carol never saw the original, so she cannot forward it.
	_, err = s.ForwardMessage(ctx, m.ID, carol.ID, []int64{strangerID})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStore_ForwardMessage_MultipleTargets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	g1, err := s.CreateGroupConversation(ctx, "first", fx.alice.ID, []int64{fx.bob.ID})
	require.NoError(t, err)
	g2, err := s.CreateGroupConversation(ctx, "second", fx.alice.ID, nil)
	require.NoError(t, err)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "to everyone", MessageTypeText, "", nil)
	require.NoError(t, err)

	n, err := s.ForwardMessage(ctx, m.ID, fx.alice.ID, []int64{g1, g2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, convID := range []int64{g1, g2} {
		page, err := s.Messages(ctx, convID, nil, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.NotNil(t, page[0].ForwardFrom)
		assert.Equal(t, m.ID, *page[0].ForwardFrom)
	}
}

func TestStore_GetMessage_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetMessage(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}
