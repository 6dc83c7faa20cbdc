package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const identityKey = "auth.identity"

// DevIdentity is the caller used when authentication is disabled for
// local development.
var DevIdentity = Identity{
	UserID:   "test-user-123",
	Email:    "test@healthmate.dev",
	Username: "testuser",
}

// Middleware authenticates each request from its bearer token and
// stores the resulting Identity on the echo context. When devMode is
// set, requests without credentials fall back to DevIdentity instead
// of being rejected.
func Middleware(verifier TokenVerifier, devMode bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c.Request())
			if raw == "" {
				if devMode {
					ident := DevIdentity
					c.Set(identityKey, &ident)
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}

			ident, err := verifier.Verify(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
			}
			c.Set(identityKey, ident)
			return next(c)
		}
	}
}

// FromContext returns the authenticated caller set by Middleware.
func FromContext(c echo.Context) (*Identity, bool) {
	ident, ok := c.Get(identityKey).(*Identity)
	return ident, ok
}

// bearerToken extracts the token from the Authorization header, or
// from the access_token cookie set by the web login flow.
func bearerToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}
