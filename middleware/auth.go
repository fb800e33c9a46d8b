// Package middleware provides the echo middleware that guards protected
// gateway routes with bearer token validation and the built-in RBAC check.
package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	authcore "github.com/weargate/authcore"
	"github.com/weargate/authcore/domain"
	serrors "github.com/weargate/authcore/errors"
	"github.com/weargate/authcore/internal/auth/rbac"
	applog "github.com/weargate/authcore/log"
)

// userContextKey is the echo context key holding the validated UserContext.
const userContextKey = "authcore.user"

type errorBody struct {
	Error string `json:"error"`
}

// BearerAuth returns echo middleware that validates the Authorization
// header, applies the role-based access check for the request's method and
// path, and injects the UserContext for downstream handlers.
//
// Public paths (device flow endpoints, health, discovery) bypass the check
// entirely so unauthenticated devices can reach them.
func BearerAuth(validator *authcore.JWTValidator, logger applog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if rbac.IsPublicPath(req.URL.Path) {
				return next(c)
			}

			header := req.Header.Get("Authorization")
			if header == "" {
				return c.JSON(http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			}

			uc, authorized, err := validator.ValidateTokenWithOPA(req.Context(), header, req.Method, req.URL.Path)
			if err != nil {
				switch {
				case errors.Is(err, serrors.ErrExpiredToken):
					return c.JSON(http.StatusUnauthorized, errorBody{Error: "token expired"})
				case errors.Is(err, serrors.ErrServiceUnavailable):
					// Distinguishable so clients back off instead of
					// re-authenticating.
					return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "token validation unavailable"})
				default:
					return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid token"})
				}
			}

			if !authorized {
				logger.Warn(req.Context(), "request rejected by role check", map[string]interface{}{
					"method": req.Method,
					"path":   req.URL.Path,
					"user":   uc.ID,
				})
				return c.JSON(http.StatusForbidden, errorBody{Error: "forbidden"})
			}

			SetUserContext(c, uc)
			return next(c)
		}
	}
}

// SetUserContext injects a validated UserContext into the echo context.
func SetUserContext(c echo.Context, uc *domain.UserContext) {
	c.Set(userContextKey, uc)
}

// UserContextFrom retrieves the validated UserContext injected by
// BearerAuth, if any.
func UserContextFrom(c echo.Context) (*domain.UserContext, bool) {
	uc, ok := c.Get(userContextKey).(*domain.UserContext)
	return uc, ok
}
