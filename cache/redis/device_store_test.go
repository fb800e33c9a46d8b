package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weargate/authcore/domain"
	serrors "github.com/weargate/authcore/errors"
)

func newTestStore(t *testing.T) (*DeviceStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewDeviceStore(client, ""), mr
}

func newTestAuth(ttl time.Duration) *domain.DeviceCode {
	now := time.Now().UTC()
	return &domain.DeviceCode{
		ID:         "id-1",
		DeviceCode: "dc-1",
		UserCode:   "WDJB-MJHT",
		ClientID:   "wearos-app",
		Status:     domain.DeviceCodeStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Interval:   5,
	}
}

func TestRedisStoreSaveSetsBothKeysWithTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	auth := newTestAuth(time.Minute)
	require.NoError(t, store.Save(ctx, auth))

	assert.True(t, mr.Exists("deviceauth:dc:dc-1"))
	assert.True(t, mr.Exists("deviceauth:uc:WDJB-MJHT"))
	assert.Greater(t, mr.TTL("deviceauth:dc:dc-1"), time.Duration(0))
	assert.Greater(t, mr.TTL("deviceauth:uc:WDJB-MJHT"), time.Duration(0))
}

func TestRedisStoreSaveRejectsExpiredSession(t *testing.T) {
	store, _ := newTestStore(t)

	auth := newTestAuth(-time.Second)
	assert.ErrorIs(t, store.Save(context.Background(), auth), serrors.ErrStorageFailure)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	auth := newTestAuth(time.Minute)
	require.NoError(t, store.Save(ctx, auth))

	byDevice, err := store.GetByDeviceCode(ctx, auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, auth.ClientID, byDevice.ClientID)
	assert.Equal(t, auth.Status, byDevice.Status)

	byUser, err := store.GetByUserCode(ctx, auth.UserCode)
	require.NoError(t, err)
	assert.Equal(t, auth.DeviceCode, byUser.DeviceCode)
}

func TestRedisStoreNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetByDeviceCode(ctx, "missing")
	assert.ErrorIs(t, err, serrors.ErrDeviceCodeNotFound)

	_, err = store.GetByUserCode(ctx, "XXXX-XXXX")
	assert.ErrorIs(t, err, serrors.ErrUserCodeNotFound)
}

func TestRedisStoreUpdatePreservesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	auth := newTestAuth(time.Minute)
	require.NoError(t, store.Save(ctx, auth))
	before := mr.TTL("deviceauth:dc:dc-1")

	auth.Status = domain.DeviceCodeStatusAuthorized
	auth.UserID = "user-42"
	require.NoError(t, store.Update(ctx, auth))

	got, err := store.GetByDeviceCode(ctx, auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceCodeStatusAuthorized, got.Status)
	assert.Equal(t, "user-42", got.UserID)

	// KeepTTL: updating must not clear or extend the session expiry.
	after := mr.TTL("deviceauth:dc:dc-1")
	assert.Greater(t, after, time.Duration(0))
	assert.LessOrEqual(t, after, before)
}

func TestRedisStoreUpdateDoesNotResurrectEvictedRecord(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	auth := newTestAuth(time.Minute)
	require.NoError(t, store.Save(ctx, auth))

	// Eviction between the caller's read and its write.
	mr.Del("deviceauth:dc:dc-1")

	auth.PollAttempts = 3
	assert.ErrorIs(t, store.Update(ctx, auth), serrors.ErrDeviceCodeNotFound)

	// The write must not recreate the key: a fresh key with KEEPTTL would
	// live forever.
	assert.False(t, mr.Exists("deviceauth:dc:dc-1"))
}

func TestRedisStoreDeleteRemovesBothKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	auth := newTestAuth(time.Minute)
	require.NoError(t, store.Save(ctx, auth))
	require.NoError(t, store.Delete(ctx, auth))

	assert.False(t, mr.Exists("deviceauth:dc:dc-1"))
	assert.False(t, mr.Exists("deviceauth:uc:WDJB-MJHT"))
}

func TestRedisStoreExpiryEvictsSession(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	auth := newTestAuth(time.Minute)
	require.NoError(t, store.Save(ctx, auth))

	mr.FastForward(2 * time.Minute)

	_, err := store.GetByDeviceCode(ctx, auth.DeviceCode)
	assert.ErrorIs(t, err, serrors.ErrDeviceCodeNotFound)
	_, err = store.GetByUserCode(ctx, auth.UserCode)
	assert.ErrorIs(t, err, serrors.ErrUserCodeNotFound)
}

func TestRedisStoreDanglingUserCodeIndex(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	auth := newTestAuth(time.Minute)
	require.NoError(t, store.Save(ctx, auth))

	// Simulate a record evicted ahead of its index entry.
	mr.Del("deviceauth:dc:dc-1")

	_, err := store.GetByUserCode(ctx, auth.UserCode)
	assert.ErrorIs(t, err, serrors.ErrUserCodeNotFound)
}
