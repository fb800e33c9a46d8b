package cache

import (
	"context"

	"github.com/weargate/authcore/domain"
)

// DeviceAuthStore is the shared expiring store for device authorization
// sessions. Implementations keep two entries per session: the record keyed
// by device_code and a secondary index from user_code to device_code, both
// expiring together with the session.
//
// Mutations are read-modify-write: the caller reads a record, mutates it in
// memory and writes it back with Update. There is no cross-instance
// atomicity guarantee; see the repository design notes for the known race.
type DeviceAuthStore interface {
	// Save persists a new session under both keys with a TTL derived from
	// the record's ExpiresAt. A session is only considered created once
	// Save returned nil.
	Save(ctx context.Context, auth *domain.DeviceCode) error

	// GetByDeviceCode returns the record, or ErrDeviceCodeNotFound.
	GetByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error)

	// GetByUserCode resolves the secondary index and returns the record,
	// or ErrUserCodeNotFound.
	GetByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error)

	// Update rewrites an existing record in place, preserving its TTL.
	Update(ctx context.Context, auth *domain.DeviceCode) error

	// Delete removes the record and its user_code index.
	Delete(ctx context.Context, auth *domain.DeviceCode) error
}
