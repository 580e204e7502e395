package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/scanbase/scanbase/internal/auth"
)

// TokenHandler exchanges admin credentials for a bearer token usable against
// the management API.
type TokenHandler struct {
	authenticator *auth.Authenticator
	credentials   auth.Credentials
}

func NewTokenHandler(authenticator *auth.Authenticator, credentials auth.Credentials) *TokenHandler {
	return &TokenHandler{authenticator: authenticator, credentials: credentials}
}

func (h *TokenHandler) IssueToken(c echo.Context) error {
	var creds auth.Credentials
	if err := c.Bind(&creds); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	if !h.credentials.Check(creds) {
		return echo.ErrUnauthorized
	}

	token, err := h.authenticator.SignToken(creds.Username)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign token")
	}

	return c.JSON(http.StatusOK, map[string]string{"token": token})
}
