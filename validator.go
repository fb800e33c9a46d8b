// Package authcore implements the authentication core of the gateway:
// validation of bearer JWTs issued by an external identity provider, and
// the supporting JWKS key-cache management. The device authorization grant
// lives in the services package.
package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/weargate/authcore/domain"
	serrors "github.com/weargate/authcore/errors"
	"github.com/weargate/authcore/internal/auth/rbac"
	applog "github.com/weargate/authcore/log"
)

const (
	defaultJWKSCacheTTL = 5 * time.Minute
	defaultClockSkew    = 5 * time.Second

	// maxTokenLength rejects oversized tokens before any parsing or
	// cryptographic work is done.
	maxTokenLength = 8192
)

// ValidatorConfig configures a JWTValidator. Issuer, Audience and
// JWKSEndpoint are required; the rest defaults sensibly.
type ValidatorConfig struct {
	Issuer       string
	Audience     string
	JWKSEndpoint string

	HTTPClient *http.Client
	CacheTTL   time.Duration
	ClockSkew  time.Duration
}

// JWTValidator validates bearer tokens against the IdP's published JWKS and
// produces sanitized UserContext values. It is safe for concurrent use; the
// key cache is the only shared mutable state.
type JWTValidator struct {
	issuer       string
	audience     string
	jwksEndpoint string
	httpClient   *http.Client
	cacheTTL     time.Duration
	parser       *jwt.Parser
	cache        jwksCache
	logger       applog.Logger
	now          func() time.Time
}

// NewJWTValidator creates a validator with an empty key cache; the first
// validation triggers the initial JWKS fetch.
func NewJWTValidator(cfg ValidatorConfig, logger applog.Logger) (*JWTValidator, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("issuer, audience and JWKS endpoint are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = defaultClockSkew
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(skew),
	)

	return &JWTValidator{
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		jwksEndpoint: cfg.JWKSEndpoint,
		httpClient:   httpClient,
		cacheTTL:     cacheTTL,
		parser:       parser,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// SetClock overrides the validator's time source. Intended for tests.
func (v *JWTValidator) SetClock(now func() time.Time) {
	v.now = now
}

// ValidateToken validates a raw bearer token and returns the caller's
// UserContext. Failures collapse into three distinguishable classes:
// ErrExpiredToken, ErrServiceUnavailable (no signing keys obtainable) and
// the generic ErrInvalidToken for everything else.
func (v *JWTValidator) ValidateToken(ctx context.Context, rawToken string) (*domain.UserContext, error) {
	raw := strings.TrimSpace(rawToken)
	if after, ok := strings.CutPrefix(raw, "Bearer "); ok {
		raw = after
	} else if after, ok := strings.CutPrefix(raw, "bearer "); ok {
		raw = after
	}

	// Cheap structural guards before any key fetching or crypto.
	if raw == "" || len(raw) > maxTokenLength {
		return nil, serrors.ErrInvalidToken
	}
	if strings.Count(raw, ".") != 2 {
		return nil, serrors.ErrInvalidToken
	}

	if err := v.refreshJWKS(ctx); err != nil {
		size, lastUpdate := v.cache.snapshot()
		if size == 0 {
			// Fail closed: without keys nothing can be verified.
			return nil, serrors.ErrServiceUnavailable
		}
		// Stale keys are still keys; signature checking stays enabled.
		v.logger.Warn(ctx, "JWKS refresh failed, validating against cached keys", map[string]interface{}{
			"last_update": lastUpdate,
		})
	}

	claims := &idpClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, serrors.ErrExpiredToken
		}
		// Detail stays in the logs; callers get the generic class.
		v.logger.Debug(ctx, "token validation failed", map[string]interface{}{
			"reason": err.Error(),
		})
		return nil, serrors.ErrInvalidToken
	}

	return claims.toUserContext(raw), nil
}

// ValidateTokenWithOPA validates the token and then applies the built-in
// role-based authorization check for the given method and path. The RBAC
// step is a deliberate seam: deployments with a real policy engine replace
// it without touching token validation.
func (v *JWTValidator) ValidateTokenWithOPA(ctx context.Context, rawToken, method, path string) (*domain.UserContext, bool, error) {
	uc, err := v.ValidateToken(ctx, rawToken)
	if err != nil {
		return nil, false, err
	}

	return uc, rbac.Allowed(uc.Roles, method, path), nil
}

// keyFunc resolves the verification key for a parsed token header.
func (v *JWTValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}

	key, ok := v.cache.key(kid)
	if !ok {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return key, nil
}

// refreshJWKS keeps the key cache fresh using double-checked locking: the
// staleness test runs under the read lock first so concurrent validations
// do not serialize, and is repeated under the write lock so a burst of
// stale readers collapses into a single network fetch. On failure the
// previous cache is left untouched.
func (v *JWTValidator) refreshJWKS(ctx context.Context) error {
	now := v.now()

	v.cache.mu.RLock()
	fresh := v.cache.fresh(now, v.cacheTTL)
	v.cache.mu.RUnlock()
	if fresh {
		return nil
	}

	v.cache.mu.Lock()
	defer v.cache.mu.Unlock()

	if v.cache.fresh(now, v.cacheTTL) {
		return nil
	}

	keys, err := fetchJWKS(ctx, v.httpClient, v.jwksEndpoint)
	if err != nil {
		return err
	}

	v.cache.keys = keys
	v.cache.lastUpdate = now

	return nil
}
