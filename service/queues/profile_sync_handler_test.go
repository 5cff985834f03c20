package queues_test

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
	"github.com/mustafaa-dev/nexa-play-api/service/directory"
	"github.com/mustafaa-dev/nexa-play-api/service/queues"
)

func newSyncFixture() (*directory.CachedDirectory, *queues.ProfileSyncQueueHandler) {
	dir := directory.NewCachedDirectory(cache.NewInMemoryCache(), time.Minute)
	handler := queues.NewProfileSyncQueueHandler(dir).(*queues.ProfileSyncQueueHandler)
	return dir, handler
}

func TestProfileSyncStoresSnapshot(t *testing.T) {
	dir, handler := newSyncFixture()
	ctx := context.Background()

	payload := []byte(`{"id":"user-9","display_name":"Ada","role":"member","is_active":true}`)
	require.NoError(t, handler.Handle(ctx, map[string]string{}, payload))

	user, err := dir.Lookup(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.DisplayName)
	assert.True(t, user.IsActive)
}

func TestProfileSyncRemovesSnapshot(t *testing.T) {
	dir, handler := newSyncFixture()
	ctx := context.Background()

	require.NoError(t, dir.Store(ctx, business.User{ID: "user-9", IsActive: true}))

	headers := map[string]string{
		internal.HeaderLifecycle: "removed",
		internal.HeaderUserID:    "user-9",
	}
	require.NoError(t, handler.Handle(ctx, headers, nil))

	_, err := dir.Lookup(ctx, "user-9")
	require.ErrorIs(t, err, business.ErrUserNotFound)
}

func TestProfileSyncDropsMalformedMessages(t *testing.T) {
	_, handler := newSyncFixture()
	ctx := context.Background()

	assert.NoError(t, handler.Handle(ctx, map[string]string{}, []byte("not json")))
	assert.NoError(t, handler.Handle(ctx, map[string]string{}, []byte(`{"display_name":"no id"}`)))
}
