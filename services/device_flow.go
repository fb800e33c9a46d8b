package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weargate/authcore/api"
	"github.com/weargate/authcore/cache"
	"github.com/weargate/authcore/domain"
	serrors "github.com/weargate/authcore/errors"
	applog "github.com/weargate/authcore/log"
)

// GrantTypeDeviceCode is the grant_type value of the device access token
// request (RFC 8628, Section 3.4).
const GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

const (
	deviceCodeLength = 32 // bytes of entropy, hex encoded to 64 chars

	userCodeLength    = 8
	userCodeChunkSize = 4
	// Uppercase letters and digits minus the visually ambiguous
	// 0/O, 1/I/L pairs, for manual entry on constrained displays.
	userCodeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	defaultSessionTTL   = 30 * time.Minute
	defaultPollInterval = 5 // seconds
	// After this many polls the server starts stretching the effective
	// interval, communicated to the client only through slow_down.
	defaultSlowDownAfter = 10
	slowDownStep         = 5 * time.Second
)

// generateDeviceCode returns a hex encoded random identifier with
// deviceCodeLength bytes of entropy.
func generateDeviceCode() (string, error) {
	b := make([]byte, deviceCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateUserCode returns a short human-enterable code in grouped blocks,
// e.g. "WDJB-MJHT".
func generateUserCode() string {
	b := make([]byte, userCodeLength)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process has no usable entropy
		// source; nothing sensible can be issued.
		panic(fmt.Errorf("failed to generate random bytes for user code: %w", err))
	}

	for i := range b {
		b[i] = userCodeCharset[int(b[i])%len(userCodeCharset)]
	}

	var result strings.Builder
	for i, char := range b {
		if i > 0 && i%userCodeChunkSize == 0 {
			result.WriteByte('-')
		}
		result.WriteByte(char)
	}
	return result.String()
}

// TokenExchanger performs the backend device-code grant against the IdP
// token endpoint once a session has been authorized.
type TokenExchanger interface {
	ExchangeDeviceCode(ctx context.Context, deviceCode, clientID string) (*api.TokenResponse, error)
}

// DeviceFlowConfig tunes the device authorization grant behaviour.
// Zero values fall back to the defaults above.
type DeviceFlowConfig struct {
	// VerificationBaseURI is the public base of the human-facing
	// verification page, e.g. "https://gateway.example.com".
	VerificationBaseURI string
	SessionTTL          time.Duration
	PollInterval        int // seconds
	SlowDownAfter       int // poll attempts before server-side backoff
}

func (c *DeviceFlowConfig) withDefaults() DeviceFlowConfig {
	out := *c
	if out.SessionTTL <= 0 {
		out.SessionTTL = defaultSessionTTL
	}
	if out.PollInterval <= 0 {
		out.PollInterval = defaultPollInterval
	}
	if out.SlowDownAfter <= 0 {
		out.SlowDownAfter = defaultSlowDownAfter
	}
	return out
}

// DeviceFlowManager implements the server side of the OAuth2 Device
// Authorization Grant: issuing codes, tracking authorization state in the
// shared store, serving the polling token endpoint and performing the
// backend token exchange with the IdP.
type DeviceFlowManager struct {
	store  cache.DeviceAuthStore
	idp    TokenExchanger
	cfg    DeviceFlowConfig
	logger applog.Logger
	now    func() time.Time
}

// NewDeviceFlowManager creates a DeviceFlowManager. The store and exchanger
// are injected so tests can substitute fakes; the clock defaults to
// time.Now and can be overridden with SetClock.
func NewDeviceFlowManager(
	store cache.DeviceAuthStore,
	idp TokenExchanger,
	cfg DeviceFlowConfig,
	logger applog.Logger,
) *DeviceFlowManager {
	return &DeviceFlowManager{
		store:  store,
		idp:    idp,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the manager's time source. Intended for tests.
func (m *DeviceFlowManager) SetClock(now func() time.Time) {
	m.now = now
}

// Initiate handles the device authorization request (RFC 8628, Section 3.1):
// it mints a device_code/user_code pair, stores the pending session under
// both keys and returns the response for the device to display. A response
// is only produced once the record was durably stored.
func (m *DeviceFlowManager) Initiate(ctx context.Context, clientID, scope string) (*api.DeviceAuthResponse, error) {
	if clientID == "" {
		return nil, serrors.NewInvalidRequest("client_id is required")
	}

	deviceCode, err := generateDeviceCode()
	if err != nil {
		return nil, serrors.NewServerError("failed to generate device code")
	}
	userCode := generateUserCode()

	now := m.now().UTC()
	auth := &domain.DeviceCode{
		ID:         uuid.NewString(),
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   clientID,
		Scope:      scope,
		Status:     domain.DeviceCodeStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.SessionTTL),
		Interval:   m.cfg.PollInterval,
	}

	if err := m.store.Save(ctx, auth); err != nil {
		correlationID := uuid.NewString()
		m.logger.Error(ctx, "failed to save device authorization session", err, map[string]interface{}{
			"correlation_id": correlationID,
			"client_id":      clientID,
		})
		return nil, fmt.Errorf("%w (correlation %s)", serrors.ErrStorageFailure, correlationID)
	}

	verificationURI := fmt.Sprintf("%s/device", m.cfg.VerificationBaseURI)

	return &api.DeviceAuthResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: fmt.Sprintf("%s?user_code=%s", verificationURI, userCode),
		ExpiresIn:               int(m.cfg.SessionTTL.Seconds()),
		Interval:                m.cfg.PollInterval,
	}, nil
}

// Poll handles the device access token request (RFC 8628, Sections 3.4 and
// 3.5). It returns a token response once the session was authorized and the
// backend exchange succeeded, and sentinel errors from the errors package
// otherwise.
func (m *DeviceFlowManager) Poll(ctx context.Context, grantType, deviceCode, clientID string) (*api.TokenResponse, error) {
	if grantType != GrantTypeDeviceCode {
		return nil, serrors.NewInvalidRequest("unsupported grant_type for this endpoint")
	}
	if deviceCode == "" {
		return nil, serrors.NewInvalidRequest("device_code is required")
	}

	auth, err := m.store.GetByDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, serrors.ErrDeviceCodeNotFound) {
			return nil, serrors.ErrDeviceFlowTokenExpired
		}
		return nil, err
	}

	now := m.now().UTC()
	if auth.ExpiredAt(now) {
		// Lazy deletion: the store TTL may not have evicted the record
		// yet, but the session is logically over.
		if delErr := m.store.Delete(ctx, auth); delErr != nil {
			m.logger.Warn(ctx, "failed to delete expired device session", map[string]interface{}{
				"client_id": auth.ClientID,
			})
		}
		return nil, serrors.ErrDeviceFlowTokenExpired
	}

	if auth.ClientID != clientID {
		return nil, serrors.NewInvalidClient("client_id does not match device authorization")
	}

	switch auth.Status {
	case domain.DeviceCodeStatusRedeemed:
		// Idempotent re-poll: serve the cached token while it lives.
		if auth.HasLiveToken(now) {
			return m.cachedTokenResponse(auth, now), nil
		}
		return nil, serrors.ErrDeviceFlowTokenExpired

	case domain.DeviceCodeStatusDenied:
		return nil, serrors.ErrDeviceFlowAccessDenied

	case domain.DeviceCodeStatusExpired:
		return nil, serrors.ErrDeviceFlowTokenExpired

	case domain.DeviceCodeStatusPending, domain.DeviceCodeStatusAuthorized:
		tooFast := m.pollingTooFast(auth, now)

		auth.PollAttempts++
		auth.LastPolledAt = now
		if updErr := m.store.Update(ctx, auth); updErr != nil {
			m.logger.Warn(ctx, "failed to update poll counters", map[string]interface{}{
				"correlation_id": uuid.NewString(),
				"client_id":      auth.ClientID,
			})
		}

		if tooFast {
			return nil, serrors.ErrSlowDown
		}

		if auth.Status == domain.DeviceCodeStatusPending {
			return nil, serrors.ErrAuthorizationPending
		}

		if auth.HasLiveToken(now) {
			return m.cachedTokenResponse(auth, now), nil
		}

		return m.redeem(ctx, auth, now)

	default:
		return nil, serrors.NewServerError("unexpected device authorization status")
	}
}

// pollingTooFast applies the negotiated interval, stretched once the client
// has polled more than SlowDownAfter times. The stretched interval is never
// announced; the client only sees repeated slow_down responses.
func (m *DeviceFlowManager) pollingTooFast(auth *domain.DeviceCode, now time.Time) bool {
	if auth.LastPolledAt.IsZero() {
		return false
	}

	effective := time.Duration(auth.Interval) * time.Second
	if auth.PollAttempts >= m.cfg.SlowDownAfter {
		effective += slowDownStep
	}

	return now.Sub(auth.LastPolledAt) < effective
}

func (m *DeviceFlowManager) cachedTokenResponse(auth *domain.DeviceCode, now time.Time) *api.TokenResponse {
	return &api.TokenResponse{
		AccessToken:  auth.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(auth.TokenExpiry.Sub(now).Seconds()),
		RefreshToken: auth.RefreshToken,
		Scope:        auth.Scope,
	}
}

// redeem performs the backend exchange with the IdP and caches the returned
// tokens in the session record. An IdP failure leaves authorized/user_id
// untouched and surfaces as invalid_grant; the upstream error body stays in
// the logs.
func (m *DeviceFlowManager) redeem(ctx context.Context, auth *domain.DeviceCode, now time.Time) (*api.TokenResponse, error) {
	tokens, err := m.idp.ExchangeDeviceCode(ctx, auth.DeviceCode, auth.ClientID)
	if err != nil {
		correlationID := uuid.NewString()
		m.logger.Error(ctx, "device code exchange with IdP failed", err, map[string]interface{}{
			"correlation_id": correlationID,
			"client_id":      auth.ClientID,
		})
		return nil, serrors.NewInvalidGrant("device code could not be exchanged")
	}

	if !auth.Status.CanTransition(domain.DeviceCodeStatusRedeemed) {
		return nil, serrors.NewServerError("unexpected device authorization status")
	}

	auth.Status = domain.DeviceCodeStatusRedeemed
	auth.AccessToken = tokens.AccessToken
	auth.RefreshToken = tokens.RefreshToken
	auth.TokenExpiry = now.Add(time.Duration(tokens.ExpiresIn) * time.Second)

	if err := m.store.Update(ctx, auth); err != nil {
		// The token was already issued by the IdP; failing the request
		// now would only force a pointless restart of the whole flow.
		// The next poll falls through to another exchange instead of the
		// cache.
		m.logger.Error(ctx, "failed to cache issued tokens in device session", err, map[string]interface{}{
			"correlation_id": uuid.NewString(),
			"client_id":      auth.ClientID,
		})
	}

	if tokens.Scope == "" {
		tokens.Scope = auth.Scope
	}
	if tokens.TokenType == "" {
		tokens.TokenType = "Bearer"
	}
	return tokens, nil
}

// Authorize links a user to a pending session after the human entered the
// user_code on the verification page and confirmed. It is invoked by the
// verification-page handler, not by device clients.
//
// Replaying the approval with the same user is accepted; a different user
// on an already-authorized session is rejected.
func (m *DeviceFlowManager) Authorize(ctx context.Context, userCode, userID string) (*domain.DeviceCode, error) {
	if userID == "" {
		return nil, serrors.ErrCannotApproveDeviceAuth
	}

	auth, err := m.store.GetByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if auth.ExpiredAt(now) {
		if delErr := m.store.Delete(ctx, auth); delErr != nil {
			m.logger.Warn(ctx, "failed to delete expired device session", map[string]interface{}{
				"client_id": auth.ClientID,
			})
		}
		return nil, serrors.ErrDeviceFlowTokenExpired
	}

	switch auth.Status {
	case domain.DeviceCodeStatusAuthorized, domain.DeviceCodeStatusRedeemed:
		if auth.UserID == userID {
			return auth, nil
		}
		return nil, serrors.ErrCannotApproveDeviceAuth

	case domain.DeviceCodeStatusPending:
		auth.Status = domain.DeviceCodeStatusAuthorized
		auth.UserID = userID
		if err := m.store.Update(ctx, auth); err != nil {
			correlationID := uuid.NewString()
			m.logger.Error(ctx, "failed to persist device authorization approval", err, map[string]interface{}{
				"correlation_id": correlationID,
				"client_id":      auth.ClientID,
			})
			return nil, fmt.Errorf("%w (correlation %s)", serrors.ErrStorageFailure, correlationID)
		}
		return auth, nil

	default:
		return nil, serrors.ErrCannotApproveDeviceAuth
	}
}

// Deny marks a pending session as rejected by the user. Subsequent polls
// receive access_denied.
func (m *DeviceFlowManager) Deny(ctx context.Context, userCode string) error {
	auth, err := m.store.GetByUserCode(ctx, userCode)
	if err != nil {
		return err
	}

	if auth.ExpiredAt(m.now().UTC()) {
		return serrors.ErrDeviceFlowTokenExpired
	}

	if !auth.Status.CanTransition(domain.DeviceCodeStatusDenied) {
		return serrors.ErrCannotApproveDeviceAuth
	}

	auth.Status = domain.DeviceCodeStatusDenied
	if err := m.store.Update(ctx, auth); err != nil {
		return err
	}

	return nil
}
