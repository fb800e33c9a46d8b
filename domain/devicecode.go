package domain

import "time"

// DeviceCodeStatus represents the state of a device authorization session.
type DeviceCodeStatus string

const (
	DeviceCodeStatusPending    DeviceCodeStatus = "pending"
	DeviceCodeStatusAuthorized DeviceCodeStatus = "authorized"
	DeviceCodeStatusDenied     DeviceCodeStatus = "denied"
	DeviceCodeStatusExpired    DeviceCodeStatus = "expired"
	DeviceCodeStatusRedeemed   DeviceCodeStatus = "redeemed"
)

// Terminal reports whether the status admits no further transitions.
// A terminal record is never mutated again, only deleted.
func (s DeviceCodeStatus) Terminal() bool {
	switch s {
	case DeviceCodeStatusRedeemed, DeviceCodeStatusDenied, DeviceCodeStatusExpired:
		return true
	}
	return false
}

// deviceCodeTransitions is the total transition function of the device flow
// state machine. Any (from, to) pair absent from the map is forbidden.
var deviceCodeTransitions = map[DeviceCodeStatus][]DeviceCodeStatus{
	DeviceCodeStatusPending: {
		DeviceCodeStatusAuthorized,
		DeviceCodeStatusDenied,
		DeviceCodeStatusExpired,
	},
	DeviceCodeStatusAuthorized: {
		DeviceCodeStatusRedeemed,
		DeviceCodeStatusExpired,
	},
}

// CanTransition reports whether moving from s to the target status is legal.
func (s DeviceCodeStatus) CanTransition(to DeviceCodeStatus) bool {
	for _, next := range deviceCodeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DeviceCode holds one in-flight device authorization grant session
// (RFC 8628). The record is keyed by DeviceCode in the shared store, with
// UserCode maintained as a secondary index.
type DeviceCode struct {
	ID           string           `bson:"_id" json:"id"`
	DeviceCode   string           `bson:"device_code" json:"device_code"`
	UserCode     string           `bson:"user_code" json:"user_code"`
	ClientID     string           `bson:"client_id" json:"client_id"`
	Scope        string           `bson:"scope" json:"scope"`
	Status       DeviceCodeStatus `bson:"status" json:"status"`
	UserID       string           `bson:"user_id,omitempty" json:"user_id,omitempty"`
	CreatedAt    time.Time        `bson:"created_at" json:"created_at"`
	ExpiresAt    time.Time        `bson:"expires_at" json:"expires_at"`
	Interval     int              `bson:"interval" json:"interval"`
	PollAttempts int              `bson:"poll_attempts" json:"poll_attempts"`
	LastPolledAt time.Time        `bson:"last_polled_at,omitempty" json:"last_polled_at,omitempty"`

	// Token fields are only populated after the backend exchange with the
	// IdP succeeded, which implies Status is DeviceCodeStatusRedeemed.
	AccessToken  string    `bson:"access_token,omitempty" json:"access_token,omitempty"`
	RefreshToken string    `bson:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	TokenExpiry  time.Time `bson:"token_expiry,omitempty" json:"token_expiry,omitempty"`
}

// ExpiredAt reports whether the session is logically expired at the given
// instant. Store TTL enforcement may lag; this check is authoritative.
func (d *DeviceCode) ExpiredAt(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// HasLiveToken reports whether a previously exchanged access token is still
// usable, so a repeated poll can be served without another IdP round trip.
func (d *DeviceCode) HasLiveToken(now time.Time) bool {
	return d.AccessToken != "" && now.Before(d.TokenExpiry)
}
