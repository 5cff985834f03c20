package directory

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustafaa-dev/nexa-play-api/service/business"
)

func newTestDirectory() *CachedDirectory {
	return NewCachedDirectory(cache.NewInMemoryCache(), time.Minute)
}

func TestStoreAndLookup(t *testing.T) {
	dir := newTestDirectory()
	ctx := context.Background()

	require.NoError(t, dir.Store(ctx, business.User{
		ID:          "user-7",
		DisplayName: "Grace",
		Role:        "admin",
		IsActive:    true,
	}))

	user, err := dir.Lookup(ctx, "user-7")
	require.NoError(t, err)
	assert.Equal(t, "Grace", user.DisplayName)
	assert.Equal(t, "admin", user.Role)
	assert.True(t, user.IsActive)
}

func TestLookupUnknownSubject(t *testing.T) {
	dir := newTestDirectory()

	_, err := dir.Lookup(context.Background(), "nobody")
	require.ErrorIs(t, err, business.ErrUserNotFound)
}

func TestStoreRejectsEmptyID(t *testing.T) {
	dir := newTestDirectory()

	err := dir.Store(context.Background(), business.User{DisplayName: "anonymous"})
	require.ErrorIs(t, err, business.ErrValidation)
}

func TestRemoveEvictsSnapshot(t *testing.T) {
	dir := newTestDirectory()
	ctx := context.Background()

	require.NoError(t, dir.Store(ctx, business.User{ID: "user-7", IsActive: true}))
	require.NoError(t, dir.Remove(ctx, "user-7"))

	_, err := dir.Lookup(ctx, "user-7")
	require.ErrorIs(t, err, business.ErrUserNotFound)
}
