package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ReserveFile_WithinQuota(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	quota := int64(1) // 1 MB
	require.NoError(t, s.SetQuotaOverride(ctx, alice.ID, &quota))

	require.NoError(t, s.ReserveFile(ctx, alice.ID, "uploads/1/a.bin", 400*1024))

	info, err := s.StorageInfo(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400*1024), info.UsedBytes)
	assert.Equal(t, int64(1024*1024), info.QuotaBytes)
	assert.InDelta(t, 39.06, info.Percent, 0.01)

	// The second reservation would cross the quota.
	err = s.ReserveFile(ctx, alice.ID, "uploads/1/b.bin", 700*1024)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	info, err = s.StorageInfo(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400*1024), info.UsedBytes)
}

func TestStore_ReserveFile_ConcurrentNearQuota(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	quota := int64(1) // 1 MB; two 600 KiB reservations cannot both fit
	require.NoError(t, s.SetQuotaOverride(ctx, alice.ID, &quota))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	paths := []string{"uploads/1/a.bin", "uploads/1/b.bin"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ReserveFile(ctx, alice.ID, paths[i], 600*1024)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrQuotaExceeded)
		}
	}
	assert.Equal(t, 1, succeeded)

	info, err := s.StorageInfo(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600*1024), info.UsedBytes)
}

func TestStore_ReserveFile_DuplicatePath(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	require.NoError(t, s.ReserveFile(ctx, alice.ID, "uploads/1/a.bin", 10))
	err := s.ReserveFile(ctx, alice.ID, "uploads/1/a.bin", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, errors.Is(err, ErrQuotaExceeded))
}

func TestStore_ReserveFile_NegativeSize(t *testing.T) {
	s := setupTestStore(t)
	alice := mustCreateUser(t, s, "alice")

	err := s.ReserveFile(context.Background(), alice.ID, "uploads/1/a.bin", -1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_IsFileOwner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	require.NoError(t, s.ReserveFile(ctx, alice.ID, "uploads/1/a.bin", 10))

	ok, err := s.IsFileOwner(ctx, alice.ID, "uploads/1/a.bin")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsFileOwner(ctx, bob.ID, "uploads/1/a.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_QuotaOverride_ResetsToGlobal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	require.NoError(t, s.SetSetting(ctx, SettingDefaultQuotaMB, "2"))

	quota := int64(1)
	require.NoError(t, s.SetQuotaOverride(ctx, alice.ID, &quota))
	info, err := s.StorageInfo(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), info.QuotaBytes)

	require.NoError(t, s.SetQuotaOverride(ctx, alice.ID, nil))
	info, err = s.StorageInfo(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2*1024*1024), info.QuotaBytes)
}

func TestNewUploadPath(t *testing.T) {
	p1 := NewUploadPath(7, ".png")
	p2 := NewUploadPath(7, ".png")

	assert.True(t, strings.HasPrefix(p1, "uploads/7/"))
	assert.True(t, strings.HasSuffix(p1, ".png"))
	assert.NotEqual(t, p1, p2)
}
