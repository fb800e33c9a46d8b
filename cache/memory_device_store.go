package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/weargate/authcore/domain"
	serrors "github.com/weargate/authcore/errors"
)

// MemoryDeviceStore implements DeviceAuthStore using ttlcache. It is meant
// for tests and single-node deployments; a multi-instance gateway needs the
// Redis or Mongo backed store.
type MemoryDeviceStore struct {
	records   *ttlcache.Cache[string, *domain.DeviceCode]
	userCodes *ttlcache.Cache[string, string]
}

// NewMemoryDeviceStore creates an in-memory device session store with
// automatic expiry of both the records and the user_code index.
func NewMemoryDeviceStore() *MemoryDeviceStore {
	records := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *domain.DeviceCode](),
	)
	userCodes := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	go records.Start()
	go userCodes.Start()

	return &MemoryDeviceStore{
		records:   records,
		userCodes: userCodes,
	}
}

func (s *MemoryDeviceStore) Save(_ context.Context, auth *domain.DeviceCode) error {
	ttl := time.Until(auth.ExpiresAt)
	if ttl <= 0 {
		return serrors.ErrStorageFailure
	}

	rec := *auth
	s.records.Set(auth.DeviceCode, &rec, ttl)
	s.userCodes.Set(auth.UserCode, auth.DeviceCode, ttl)

	return nil
}

func (s *MemoryDeviceStore) GetByDeviceCode(_ context.Context, deviceCode string) (*domain.DeviceCode, error) {
	item := s.records.Get(deviceCode)
	if item == nil {
		return nil, serrors.ErrDeviceCodeNotFound
	}

	rec := *item.Value()
	return &rec, nil
}

func (s *MemoryDeviceStore) GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	item := s.userCodes.Get(userCode)
	if item == nil {
		return nil, serrors.ErrUserCodeNotFound
	}

	rec, err := s.GetByDeviceCode(ctx, item.Value())
	if err != nil {
		return nil, serrors.ErrUserCodeNotFound
	}
	return rec, nil
}

func (s *MemoryDeviceStore) Update(_ context.Context, auth *domain.DeviceCode) error {
	item := s.records.Get(auth.DeviceCode)
	if item == nil {
		return serrors.ErrDeviceCodeNotFound
	}

	rec := *auth
	s.records.Set(auth.DeviceCode, &rec, time.Until(auth.ExpiresAt))

	return nil
}

func (s *MemoryDeviceStore) Delete(_ context.Context, auth *domain.DeviceCode) error {
	s.records.Delete(auth.DeviceCode)
	s.userCodes.Delete(auth.UserCode)

	return nil
}

// Stop halts the background expiry goroutines.
func (s *MemoryDeviceStore) Stop() {
	s.records.Stop()
	s.userCodes.Stop()
}

var _ DeviceAuthStore = (*MemoryDeviceStore)(nil)
