package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ToggleFavorite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "keep this", MessageTypeText, "", nil)
	require.NoError(t, err)

	on, err := s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
	require.NoError(t, err)
	assert.True(t, on)

	off, err := s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
	require.NoError(t, err)
	assert.False(t, off)

	on, err = s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
	require.NoError(t, err)
	assert.True(t, on)

	_, err = s.ToggleFavorite(ctx, fx.bob.ID, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ToggleFavorite_PerUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID, "shared", MessageTypeText, "", nil)
	require.NoError(t, err)

	_, err = s.ToggleFavorite(ctx, fx.alice.ID, m.ID)
	require.NoError(t, err)
	_, err = s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
	require.NoError(t, err)

	// Removing bob's favorite leaves alice's intact.
	_, err = s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
	require.NoError(t, err)

	alicePage, err := s.Favorites(ctx, fx.alice.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, alicePage.Items, 1)

	bobPage, err := s.Favorites(ctx, fx.bob.ID, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, bobPage.Items)
}

func TestStore_Favorites_KeysetPaging(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	for i := 0; i < 5; i++ {
		m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID,
			fmt.Sprintf("msg %d", i), MessageTypeText, "", nil)
		require.NoError(t, err)
		_, err = s.ToggleFavorite(ctx, fx.bob.ID, m.ID)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := s.Favorites(ctx, fx.bob.ID, nil, 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextBefore)
	assert.Equal(t, "msg 4", page.Items[0].Content)
	assert.Equal(t, KindPrivate, page.Items[0].ConversationKind)

	rest, err := s.Favorites(ctx, fx.bob.ID, page.NextBefore, 3)
	require.NoError(t, err)
	require.Len(t, rest.Items, 2)
	assert.False(t, rest.HasMore)
	assert.Nil(t, rest.NextBefore)
	assert.Equal(t, "msg 1", rest.Items[0].Content)
	assert.Equal(t, "msg 0", rest.Items[1].Content)
}

func TestStore_Favorites_SameMillisecondNotSkipped(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fx := setupChat(t, s)

	// Four favorites stamped in the same millisecond; the page boundary
	// must fall back to the message id instead of dropping rows.
	const stamp = int64(1700000000000)
	var want []int64
	for i := 0; i < 4; i++ {
		m, err := s.SaveMessage(ctx, fx.convID, fx.alice.ID,
			fmt.Sprintf("msg %d", i), MessageTypeText, "", nil)
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO favorite_messages (user_id, message_id, created_at) VALUES (?, ?, ?)`,
			fx.bob.ID, m.ID, stamp)
		require.NoError(t, err)
		want = append(want, m.ID)
	}

	var got []int64
	var cursor *FavoriteCursor
	for {
		page, err := s.Favorites(ctx, fx.bob.ID, cursor, 2)
		require.NoError(t, err)
		for _, item := range page.Items {
			got = append(got, item.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextBefore
	}
	assert.ElementsMatch(t, want, got)
	assert.Len(t, got, 4)
}
