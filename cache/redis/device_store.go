package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weargate/authcore/cache"
	"github.com/weargate/authcore/domain"
	serrors "github.com/weargate/authcore/errors"
)

// DeviceStore implements cache.DeviceAuthStore on Redis. Keys are
// namespaced under a prefix so device flow state cannot collide with other
// gateway data sharing the same instance:
//
//	<prefix>:dc:<device_code>  ->  JSON encoded domain.DeviceCode
//	<prefix>:uc:<user_code>    ->  device_code
//
// Both keys carry the session TTL, so Redis evicts a whole session at once.
type DeviceStore struct {
	client *redis.Client
	prefix string
}

// NewDeviceStore creates a Redis-backed device session store. An empty
// prefix defaults to "deviceauth".
func NewDeviceStore(client *redis.Client, prefix string) *DeviceStore {
	if prefix == "" {
		prefix = "deviceauth"
	}
	return &DeviceStore{
		client: client,
		prefix: prefix,
	}
}

func (r *DeviceStore) deviceKey(deviceCode string) string {
	return fmt.Sprintf("%s:dc:%s", r.prefix, deviceCode)
}

func (r *DeviceStore) userKey(userCode string) string {
	return fmt.Sprintf("%s:uc:%s", r.prefix, userCode)
}

func (r *DeviceStore) Save(ctx context.Context, auth *domain.DeviceCode) error {
	ttl := time.Until(auth.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired at save time", serrors.ErrStorageFailure)
	}

	payload, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("%w: marshal device auth: %v", serrors.ErrStorageFailure, err)
	}

	// Both keys are written in one round trip. If the pipeline fails the
	// session is not observable: a dangling user_code index without its
	// record resolves to not-found on read.
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.deviceKey(auth.DeviceCode), payload, ttl)
	pipe.Set(ctx, r.userKey(auth.UserCode), auth.DeviceCode, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	return nil
}

func (r *DeviceStore) GetByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error) {
	payload, err := r.client.Get(ctx, r.deviceKey(deviceCode)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, serrors.ErrDeviceCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	var auth domain.DeviceCode
	if err := json.Unmarshal(payload, &auth); err != nil {
		return nil, fmt.Errorf("%w: unmarshal device auth: %v", serrors.ErrStorageFailure, err)
	}

	return &auth, nil
}

func (r *DeviceStore) GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	deviceCode, err := r.client.Get(ctx, r.userKey(userCode)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, serrors.ErrUserCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	auth, err := r.GetByDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, serrors.ErrDeviceCodeNotFound) {
			return nil, serrors.ErrUserCodeNotFound
		}
		return nil, err
	}

	return auth, nil
}

func (r *DeviceStore) Update(ctx context.Context, auth *domain.DeviceCode) error {
	payload, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("%w: marshal device auth: %v", serrors.ErrStorageFailure, err)
	}

	// Update-only with KeepTTL: the expiry set at Save time is preserved
	// and never extended. SetXX refuses to recreate a key Redis already
	// evicted, which would otherwise come back without any TTL.
	ok, err := r.client.SetXX(ctx, r.deviceKey(auth.DeviceCode), payload, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}
	if !ok {
		return serrors.ErrDeviceCodeNotFound
	}

	return nil
}

func (r *DeviceStore) Delete(ctx context.Context, auth *domain.DeviceCode) error {
	if err := r.client.Del(ctx, r.deviceKey(auth.DeviceCode), r.userKey(auth.UserCode)).Err(); err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	return nil
}

var _ cache.DeviceAuthStore = (*DeviceStore)(nil)
