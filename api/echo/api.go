// Package echo exposes the device authorization grant over HTTP using the
// echo framework: the device authorization endpoint, the polling token
// endpoint and the verification hook used by the human-facing approval
// page.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	serrors "github.com/weargate/authcore/errors"
	applog "github.com/weargate/authcore/log"
	"github.com/weargate/authcore/middleware"
	"github.com/weargate/authcore/services"
)

// DeviceFlowAPI holds the HTTP handlers of the device authorization grant.
type DeviceFlowAPI struct {
	flow   *services.DeviceFlowManager
	logger applog.Logger
}

func NewDeviceFlowAPI(flow *services.DeviceFlowManager, logger applog.Logger) *DeviceFlowAPI {
	return &DeviceFlowAPI{
		flow:   flow,
		logger: logger,
	}
}

// RegisterRoutes registers the device flow routes.
func (a *DeviceFlowAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/device_authorization", a.DeviceAuthorizationHandler)
	e.POST("/token", a.TokenHandler)
	e.POST("/device/verify", a.VerifyHandler)
	e.GET("/healthz", a.HealthHandler)
}

// DeviceAuthorizationHandler handles the device authorization request
// (RFC 8628, Section 3.1).
func (a *DeviceFlowAPI) DeviceAuthorizationHandler(c echo.Context) error {
	clientID := c.FormValue("client_id")
	scope := c.FormValue("scope")

	resp, err := a.flow.Initiate(c.Request().Context(), clientID, scope)
	if err != nil {
		return a.writeError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// TokenHandler handles the device access token request (RFC 8628, Section
// 3.4). Per protocol, pending and slow_down responses use HTTP 400 with
// the standard OAuth2 error body.
func (a *DeviceFlowAPI) TokenHandler(c echo.Context) error {
	grantType := c.FormValue("grant_type")
	deviceCode := c.FormValue("device_code")
	clientID := c.FormValue("client_id")

	tokens, err := a.flow.Poll(c.Request().Context(), grantType, deviceCode, clientID)
	if err != nil {
		return a.writeError(c, err)
	}

	return c.JSON(http.StatusOK, tokens)
}

// VerifyHandler is the backend hook of the verification page: after the
// user authenticated and confirmed (or rejected) the displayed code, the
// page handler posts user_code and the decision here. The acting user is
// taken from the validated bearer token, never from the form.
func (a *DeviceFlowAPI) VerifyHandler(c echo.Context) error {
	uc, ok := middleware.UserContextFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, serrors.NewInvalidRequest("authentication required"))
	}

	userCode := c.FormValue("user_code")
	if userCode == "" {
		return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("user_code is required"))
	}

	ctx := c.Request().Context()

	if c.FormValue("approve") == "false" {
		if err := a.flow.Deny(ctx, userCode); err != nil {
			return a.writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "denied"})
	}

	if _, err := a.flow.Authorize(ctx, userCode, uc.ID); err != nil {
		return a.writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "authorized"})
}

func (a *DeviceFlowAPI) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps service errors onto the fixed OAuth2 error vocabulary.
// Storage and unexpected internal errors become an opaque server_error.
func (a *DeviceFlowAPI) writeError(c echo.Context, err error) error {
	var oauthErr *serrors.OAuth2Error
	if errors.As(err, &oauthErr) {
		status := http.StatusBadRequest
		switch oauthErr.Code {
		case serrors.InvalidClient:
			status = http.StatusUnauthorized
		case serrors.ServerError:
			status = http.StatusInternalServerError
		}
		return c.JSON(status, oauthErr)
	}

	switch {
	case errors.Is(err, serrors.ErrAuthorizationPending):
		return c.JSON(http.StatusBadRequest, &serrors.OAuth2Error{
			Code: serrors.AuthorizationPending, Description: "authorization request is still pending",
		})
	case errors.Is(err, serrors.ErrSlowDown):
		return c.JSON(http.StatusBadRequest, &serrors.OAuth2Error{
			Code: serrors.SlowDown, Description: "polling too frequently",
		})
	case errors.Is(err, serrors.ErrDeviceFlowTokenExpired):
		return c.JSON(http.StatusBadRequest, &serrors.OAuth2Error{
			Code: serrors.ExpiredToken, Description: "device code expired",
		})
	case errors.Is(err, serrors.ErrDeviceFlowAccessDenied):
		return c.JSON(http.StatusBadRequest, &serrors.OAuth2Error{
			Code: serrors.AccessDenied, Description: "authorization denied",
		})
	case errors.Is(err, serrors.ErrUserCodeNotFound), errors.Is(err, serrors.ErrDeviceCodeNotFound):
		return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("unknown code"))
	case errors.Is(err, serrors.ErrCannotApproveDeviceAuth):
		return c.JSON(http.StatusConflict, serrors.NewInvalidRequest("authorization cannot be approved"))
	}

	a.logger.Error(c.Request().Context(), "device flow request failed", err, map[string]interface{}{
		"path": c.Request().URL.Path,
	})
	return c.JSON(http.StatusInternalServerError, serrors.NewServerError("internal error"))
}
