package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weargate/authcore/api"
	applog "github.com/weargate/authcore/log"
)

const defaultExchangeTimeout = 15 * time.Second

// ErrExchangeFailed is returned for any non-success or malformed response
// from the IdP token endpoint. The upstream body is logged, never returned,
// so it cannot leak to device clients through error wrapping.
var ErrExchangeFailed = errors.New("identity provider token exchange failed")

// IdPClient talks to a Keycloak-style IdP token endpoint to redeem
// authorized device codes for tokens.
type IdPClient struct {
	httpClient    *http.Client
	tokenEndpoint string
	timeout       time.Duration
	logger        applog.Logger
}

// NewIdPClient creates an IdP token-exchange client. A nil httpClient falls
// back to http.DefaultClient; timeout bounds each exchange on top of the
// caller's context.
func NewIdPClient(httpClient *http.Client, tokenEndpoint string, timeout time.Duration, logger applog.Logger) *IdPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	return &IdPClient{
		httpClient:    httpClient,
		tokenEndpoint: tokenEndpoint,
		timeout:       timeout,
		logger:        logger,
	}
}

// ExchangeDeviceCode performs the device-code grant against the IdP token
// endpoint (RFC 8628, Section 3.4).
func (c *IdPClient) ExchangeDeviceCode(ctx context.Context, deviceCode, clientID string) (*api.TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", GrantTypeDeviceCode)
	form.Set("device_code", deviceCode)
	form.Set("client_id", clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(ctx, "IdP token endpoint unreachable", err, nil)
		return nil, ErrExchangeFailed
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		c.logger.Error(ctx, "failed to read IdP token response", err, nil)
		return nil, ErrExchangeFailed
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn(ctx, "IdP rejected device code exchange", map[string]interface{}{
			"status": resp.StatusCode,
			"body":   string(body),
		})
		return nil, ErrExchangeFailed
	}

	var tokens api.TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		c.logger.Error(ctx, "malformed IdP token response", err, nil)
		return nil, ErrExchangeFailed
	}
	if tokens.AccessToken == "" {
		c.logger.Warn(ctx, "IdP token response missing access_token", nil)
		return nil, ErrExchangeFailed
	}

	if tokens.TokenType == "" {
		tokens.TokenType = "Bearer"
	}
	return &tokens, nil
}

var _ TokenExchanger = (*IdPClient)(nil)
