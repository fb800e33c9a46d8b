package echo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weargate/authcore/api"
	"github.com/weargate/authcore/cache"
	"github.com/weargate/authcore/domain"
	"github.com/weargate/authcore/log"
	"github.com/weargate/authcore/middleware"
	"github.com/weargate/authcore/services"
)

type stubExchanger struct {
	resp *api.TokenResponse
	err  error
}

func (s *stubExchanger) ExchangeDeviceCode(context.Context, string, string) (*api.TokenResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.resp
	return &resp, nil
}

type apiFixture struct {
	e     *echo.Echo
	clock time.Time
	mu    sync.Mutex
}

// newAPIFixture wires the handlers onto a fresh echo instance with a
// header-driven stand-in for the bearer auth middleware: requests carrying
// X-User-ID act as that authenticated user.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := cache.NewMemoryDeviceStore()
	t.Cleanup(store.Stop)

	idp := &stubExchanger{resp: &api.TokenResponse{
		AccessToken: "idp-access-token",
		TokenType:   "Bearer",
		ExpiresIn:   300,
	}}

	f := &apiFixture{clock: time.Now().UTC()}

	flow := services.NewDeviceFlowManager(store, idp, services.DeviceFlowConfig{
		VerificationBaseURI: "https://gateway.example.com",
	}, log.NewNop())
	flow.SetClock(func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.clock
	})

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID := c.Request().Header.Get("X-User-ID"); userID != "" {
				middleware.SetUserContext(c, &domain.UserContext{ID: userID})
			}
			return next(c)
		}
	})
	NewDeviceFlowAPI(flow, log.NewNop()).RegisterRoutes(e)
	f.e = e

	return f
}

func (f *apiFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func (f *apiFixture) postForm(path string, form url.Values, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func oauthErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func (f *apiFixture) initiate(t *testing.T) api.DeviceAuthResponse {
	t.Helper()
	rec := f.postForm("/device_authorization", url.Values{
		"client_id": {"wearos-app"},
		"scope":     {"openid"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.DeviceAuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func tokenForm(deviceCode string) url.Values {
	return url.Values{
		"grant_type":  {services.GrantTypeDeviceCode},
		"device_code": {deviceCode},
		"client_id":   {"wearos-app"},
	}
}

func TestDeviceAuthorizationEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.initiate(t)
	assert.NotEmpty(t, resp.DeviceCode)
	assert.Regexp(t, `^[A-Z2-9]{4}-[A-Z2-9]{4}$`, resp.UserCode)
	assert.Equal(t, "https://gateway.example.com/device", resp.VerificationURI)
	assert.Equal(t, 1800, resp.ExpiresIn)
	assert.Equal(t, 5, resp.Interval)
}

func TestDeviceAuthorizationRequiresClientID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.postForm("/device_authorization", url.Values{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", oauthErrorCode(t, rec))
}

func TestTokenEndpointFullFlow(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.initiate(t)

	rec := f.postForm("/token", tokenForm(resp.DeviceCode), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "authorization_pending", oauthErrorCode(t, rec))

	rec = f.postForm("/device/verify", url.Values{"user_code": {resp.UserCode}}, "user-42")
	require.Equal(t, http.StatusOK, rec.Code)

	f.advance(6 * time.Second)
	rec = f.postForm("/token", tokenForm(resp.DeviceCode), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens api.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	assert.Equal(t, "idp-access-token", tokens.AccessToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, "openid", tokens.Scope)
}

func TestTokenEndpointSlowDown(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.initiate(t)

	rec := f.postForm("/token", tokenForm(resp.DeviceCode), "")
	assert.Equal(t, "authorization_pending", oauthErrorCode(t, rec))

	f.advance(time.Second)
	rec = f.postForm("/token", tokenForm(resp.DeviceCode), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "slow_down", oauthErrorCode(t, rec))
}

func TestTokenEndpointClientMismatch(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.initiate(t)

	form := tokenForm(resp.DeviceCode)
	form.Set("client_id", "other-client")
	rec := f.postForm("/token", form, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", oauthErrorCode(t, rec))
}

func TestTokenEndpointExpiredSession(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.initiate(t)

	f.advance(31 * time.Minute)
	rec := f.postForm("/token", tokenForm(resp.DeviceCode), "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "expired_token", oauthErrorCode(t, rec))
}

func TestVerifyRequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.initiate(t)

	rec := f.postForm("/device/verify", url.Values{"user_code": {resp.UserCode}}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyRequiresUserCode(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.postForm("/device/verify", url.Values{}, "user-42")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", oauthErrorCode(t, rec))
}

func TestVerifyUnknownUserCode(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.postForm("/device/verify", url.Values{"user_code": {"XXXX-XXXX"}}, "user-42")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyConflictingApproval(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.initiate(t)

	rec := f.postForm("/device/verify", url.Values{"user_code": {resp.UserCode}}, "user-42")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.postForm("/device/verify", url.Values{"user_code": {resp.UserCode}}, "user-43")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVerifyDenyThenTokenAccessDenied(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.initiate(t)

	rec := f.postForm("/device/verify", url.Values{
		"user_code": {resp.UserCode},
		"approve":   {"false"},
	}, "user-42")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.postForm("/token", tokenForm(resp.DeviceCode), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "access_denied", oauthErrorCode(t, rec))
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
