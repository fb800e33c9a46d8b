package errors

import "errors"

// Token validation sentinel errors. ErrInvalidToken deliberately carries no
// detail about why validation failed. ErrExpiredToken and
// ErrServiceUnavailable are distinguishable so callers can choose between
// re-authentication and backoff.
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrServiceUnavailable = errors.New("token validation temporarily unavailable")
)
