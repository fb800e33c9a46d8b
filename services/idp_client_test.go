package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weargate/authcore/log"
)

func TestExchangeDeviceCodeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, GrantTypeDeviceCode, r.PostFormValue("grant_type"))
		assert.Equal(t, "dc-123", r.PostFormValue("device_code"))
		assert.Equal(t, "wearos-app", r.PostFormValue("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":300}`))
	}))
	defer srv.Close()

	c := NewIdPClient(srv.Client(), srv.URL, 0, log.NewNop())
	tokens, err := c.ExchangeDeviceCode(context.Background(), "dc-123", "wearos-app")
	require.NoError(t, err)

	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "rt", tokens.RefreshToken)
	assert.Equal(t, 300, tokens.ExpiresIn)
	assert.Equal(t, "Bearer", tokens.TokenType, "missing token_type defaults to Bearer")
}

func TestExchangeDeviceCodeUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"internal keycloak detail"}`))
	}))
	defer srv.Close()

	c := NewIdPClient(srv.Client(), srv.URL, 0, log.NewNop())
	_, err := c.ExchangeDeviceCode(context.Background(), "dc-123", "wearos-app")

	require.ErrorIs(t, err, ErrExchangeFailed)
	assert.NotContains(t, err.Error(), "keycloak", "upstream body must not leak through the error")
}

func TestExchangeDeviceCodeMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewIdPClient(srv.Client(), srv.URL, 0, log.NewNop())
	_, err := c.ExchangeDeviceCode(context.Background(), "dc-123", "wearos-app")
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestExchangeDeviceCodeMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer","expires_in":300}`))
	}))
	defer srv.Close()

	c := NewIdPClient(srv.Client(), srv.URL, 0, log.NewNop())
	_, err := c.ExchangeDeviceCode(context.Background(), "dc-123", "wearos-app")
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestExchangeDeviceCodeEndpointUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewIdPClient(nil, srv.URL, 0, log.NewNop())
	_, err := c.ExchangeDeviceCode(context.Background(), "dc-123", "wearos-app")
	assert.ErrorIs(t, err, ErrExchangeFailed)
}
