package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	principalKey = "auth.principal"
	tokenExpiry  = 30 * 24 * time.Hour
)

var ErrUnauthorized = errors.New("unauthorized")

type authClaims struct {
	jwt.RegisteredClaims
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) Check(other Credentials) bool {
	return c.Username == other.Username && c.Password == other.Password
}

// NewCredentials parses a "user:password" pair.
func NewCredentials(s string) (Credentials, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Credentials{}, fmt.Errorf("invalid credentials format")
	}

	return Credentials{
		Username: parts[0],
		Password: parts[1],
	}, nil
}

type Authenticator struct {
	credentials Credentials
	jwtSecret   string
}

func NewAuthenticator(credentials Credentials, jwtSecret string) *Authenticator {
	return &Authenticator{credentials: credentials, jwtSecret: jwtSecret}
}

// SignToken mints a bearer token for an authenticated principal.
func (a Authenticator) SignToken(username string) (string, error) {
	now := jwt.NewNumericDate(time.Now())
	claims := &authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  now,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a Authenticator) checkJWT(tokenStr string) (*authClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &authClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*authClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// NewAuthMiddleware guards the management API. Requests may authenticate
// with a bearer token or with basic credentials; either sets the principal
// on the request context.
func NewAuthMiddleware(auther *Authenticator) echo.MiddlewareFunc {
	type authStrategy func(c echo.Context) (bool, error)
	strategies := []authStrategy{
		auther.authWithBearerToken,
		auther.authWithBasicAuth,
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, strategy := range strategies {
				ok, err := strategy(c)
				if err != nil {
					continue
				}

				if ok {
					return next(c)
				}
			}
			return echo.ErrUnauthorized
		}
	}
}

// Principal returns the authenticated username set by the middleware.
func Principal(c echo.Context) string {
	principal, _ := c.Get(principalKey).(string)
	return principal
}

func (a Authenticator) authWithBearerToken(c echo.Context) (bool, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return false, nil
	}

	claims, err := a.checkJWT(token)
	if err != nil {
		return false, nil
	}

	c.Set(principalKey, claims.Subject)
	return true, nil
}

func (a Authenticator) authWithBasicAuth(c echo.Context) (bool, error) {
	username, password, ok := c.Request().BasicAuth()
	if !ok {
		return false, nil
	}

	creds := Credentials{Username: username, Password: password}
	if !a.credentials.Check(creds) {
		return false, ErrUnauthorized
	}

	c.Set(principalKey, username)
	return true, nil
}
