package authcore

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// JSONWebKey is a single public key from the IdP's published key set. Only
// RSA signature keys are consumed; anything else is skipped.
type JSONWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JSONWebKeySet is the JWKS document served by the IdP.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// rsaPublicKey materializes the modulus/exponent of the JWK into a usable
// *rsa.PublicKey.
func (k JSONWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus in JWK %q: %w", k.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent in JWK %q: %w", k.Kid, err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("unusable exponent in JWK %q", k.Kid)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

const jwksFetchTimeout = 30 * time.Second

// jwksCache holds the IdP's public keys, shared by all concurrent
// validations within one gateway process. It is guarded by a reader/writer
// lock: the read path is taken per validation, the write path only during
// refresh.
type jwksCache struct {
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastUpdate time.Time
}

// fresh reports whether the cache holds keys younger than ttl. Callers must
// hold at least the read lock.
func (c *jwksCache) fresh(now time.Time, ttl time.Duration) bool {
	return len(c.keys) > 0 && now.Sub(c.lastUpdate) < ttl
}

// key returns the public key for kid, if cached.
func (c *jwksCache) key(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[kid]
	return k, ok
}

// snapshot returns the key count and last refresh time under the read lock,
// so callers never touch the fields while a refresh writes them.
func (c *jwksCache) snapshot() (int, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys), c.lastUpdate
}

// fetchJWKS downloads and parses the IdP's JWKS document with a bounded
// timeout. A document yielding zero usable keys is an error: an empty key
// set must never be installed.
func fetchJWKS(ctx context.Context, client *http.Client, endpoint string) (map[string]*rsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var set JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("malformed JWKS document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		pub, err := jwk.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[jwk.Kid] = pub
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS document contained no usable signing keys")
	}

	return keys, nil
}
