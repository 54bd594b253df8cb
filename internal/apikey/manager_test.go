package apikey_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
	"github.com/JakeFAU/grokipedia-api/internal/clock/fake"
	"github.com/JakeFAU/grokipedia-api/internal/hash/sha256"
	"github.com/JakeFAU/grokipedia-api/internal/id/uuid"
	"github.com/JakeFAU/grokipedia-api/internal/storage/memory"
)

func newManager(t *testing.T) (*apikey.Manager, *fake.Clock) {
	t.Helper()
	clk := fake.New(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return apikey.NewManager(memory.NewKeyStore(), sha256.New(), uuid.New(), clk), clk
}

func TestManagerCreateIssuesTokenOnce(t *testing.T) {
	t.Parallel()

	mgr, clk := newManager(t)
	ctx := context.Background()

	issued, err := mgr.Create(ctx, " Ada ", "ada@example.com", 25, "research")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(issued.Token, apikey.TokenPrefix))
	require.Equal(t, "Ada", issued.Key.Owner)
	require.Equal(t, apikey.StateActive, issued.Key.State)
	require.Equal(t, clk.Now(), issued.Key.CreatedAt)
	require.Equal(t, issued.Token[:12], issued.Key.TokenPrefix)
	require.NotContains(t, issued.Key.TokenHash, issued.Token)

	info, err := mgr.Info(ctx, issued.Key.ID)
	require.NoError(t, err)
	require.Equal(t, 25, info.Quota)
	require.Nil(t, info.LastUsed)

	second, err := mgr.Create(ctx, "Bob", "bob@example.com", apikey.DefaultQuota, "")
	require.NoError(t, err)
	require.NotEqual(t, issued.Token, second.Token)
}

func TestManagerCreateValidates(t *testing.T) {
	t.Parallel()

	mgr, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "", "a@example.com", 10, "")
	require.Error(t, err)
	_, err = mgr.Create(ctx, "Ada", " ", 10, "")
	require.Error(t, err)
	for _, quota := range []int{0, -1, 101} {
		_, err = mgr.Create(ctx, "Ada", "a@example.com", quota, "")
		require.ErrorIs(t, err, apikey.ErrInvalidQuota)
	}
	for _, quota := range []int{1, 100} {
		_, err = mgr.Create(ctx, "Ada", "a@example.com", quota, "")
		require.NoError(t, err)
	}
}

func TestManagerLookupTouchAndRevoke(t *testing.T) {
	t.Parallel()

	mgr, clk := newManager(t)
	ctx := context.Background()
	issued, err := mgr.Create(ctx, "Ada", "ada@example.com", 10, "")
	require.NoError(t, err)

	key, err := mgr.Lookup(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, issued.Key.ID, key.ID)

	clk.Advance(time.Minute)
	require.NoError(t, mgr.Touch(ctx, key))
	keys, err := mgr.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotNil(t, keys[0].LastUsed)
	require.Equal(t, clk.Now(), *keys[0].LastUsed)

	require.NoError(t, mgr.Revoke(ctx, key.ID))
	key, err = mgr.Lookup(ctx, issued.Token)
	require.NoError(t, err)
	require.False(t, key.Active())
	active, err := mgr.List(ctx, true)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, mgr.Delete(ctx, key.ID))
	_, err = mgr.Lookup(ctx, issued.Token)
	require.True(t, errors.Is(err, apikey.ErrKeyNotFound))
	require.ErrorIs(t, mgr.Revoke(ctx, key.ID), apikey.ErrKeyNotFound)
}

func TestManagerLookupUnknownToken(t *testing.T) {
	t.Parallel()

	mgr, _ := newManager(t)
	_, err := mgr.Lookup(context.Background(), "grok_nope")
	require.ErrorIs(t, err, apikey.ErrKeyNotFound)
}
