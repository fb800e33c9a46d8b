package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/weargate/authcore/cache"
	"github.com/weargate/authcore/domain"
	serrors "github.com/weargate/authcore/errors"
)

// DeviceStore implements cache.DeviceAuthStore on MongoDB for deployments
// without a Redis-compatible store. Mongo has no per-key TTL in the sense
// the interface assumes, so logical expiry relies on the read-time
// expires_at checks done by the flow manager plus DeleteExpired sweeps.
type DeviceStore struct {
	deviceAuth *mongo.Collection
}

func NewDeviceStore(db *mongo.Database) *DeviceStore {
	return &DeviceStore{
		deviceAuth: db.Collection(DeviceAuthCollectionName),
	}
}

func (r *DeviceStore) Save(ctx context.Context, auth *domain.DeviceCode) error {
	if auth.ID == "" {
		auth.ID = uuid.NewString()
	}

	if _, err := r.deviceAuth.InsertOne(ctx, auth); err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	return nil
}

func (r *DeviceStore) GetByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error) {
	var result domain.DeviceCode

	err := r.deviceAuth.FindOne(ctx, bson.M{"device_code": deviceCode}).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, serrors.ErrDeviceCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	return &result, nil
}

func (r *DeviceStore) GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	var result domain.DeviceCode

	err := r.deviceAuth.FindOne(ctx, bson.M{"user_code": userCode}).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, serrors.ErrUserCodeNotFound
		}
		return nil, fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	return &result, nil
}

func (r *DeviceStore) Update(ctx context.Context, auth *domain.DeviceCode) error {
	result, err := r.deviceAuth.ReplaceOne(ctx, bson.M{"device_code": auth.DeviceCode}, auth)
	if err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	if result.MatchedCount == 0 {
		return serrors.ErrDeviceCodeNotFound
	}

	return nil
}

func (r *DeviceStore) Delete(ctx context.Context, auth *domain.DeviceCode) error {
	if _, err := r.deviceAuth.DeleteOne(ctx, bson.M{"device_code": auth.DeviceCode}); err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	return nil
}

// DeleteExpired removes sessions whose expires_at has passed. Intended for
// a periodic maintenance sweep; correctness does not depend on it.
func (r *DeviceStore) DeleteExpired(ctx context.Context) error {
	filter := bson.M{"expires_at": bson.M{"$lte": time.Now().UTC()}}

	if _, err := r.deviceAuth.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrStorageFailure, err)
	}

	return nil
}

var _ cache.DeviceAuthStore = (*DeviceStore)(nil)
