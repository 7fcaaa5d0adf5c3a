// Package auth provides the bearer-token middleware the core consumes.
// Identity itself — who a user is, SSO, organization membership — is an
// out-of-scope collaborator; this package only verifies a token and attaches
// an owner id to the request context.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/logger"
)

// AuthUser is the authenticated caller attached to the request context.
type AuthUser struct {
	ID      string   `json:"id"`
	Scopes  []string `json:"scopes,omitempty"`
	IsAdmin bool     `json:"isAdmin,omitempty"`
}

type contextKey string

const UserContextKey contextKey = "auth_user"

// GetUser retrieves the authenticated user from the Echo context.
func GetUser(c echo.Context) *AuthUser {
	if user, ok := c.Get(string(UserContextKey)).(*AuthUser); ok {
		return user
	}
	return nil
}

// claims is the JWT payload this control plane accepts. Owner identity lives
// entirely in "sub"; scopes are optional and additive.
type claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Middleware verifies bearer tokens: either the admin token (full access) or
// an HS256 JWT signed with cfg.Auth.JWTSecret.
type Middleware struct {
	cfg *config.Config
	log *slog.Logger
}

func NewMiddleware(cfg *config.Config, log *slog.Logger) *Middleware {
	return &Middleware{cfg: cfg, log: log.With(logger.Scope("auth"))}
}

// RequireAuth returns middleware that requires a valid bearer token.
func (m *Middleware) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, err := m.authenticate(c.Request())
			if err != nil {
				m.log.Warn("authentication failed", logger.Error(err))
				return err
			}
			c.Set(string(UserContextKey), user)
			return next(c)
		}
	}
}

// RequireAdmin returns middleware that additionally requires the admin token.
func (m *Middleware) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, err := m.authenticate(c.Request())
			if err != nil {
				return err
			}
			if !user.IsAdmin {
				return apperror.ErrForbidden
			}
			c.Set(string(UserContextKey), user)
			return next(c)
		}
	}
}

func (m *Middleware) authenticate(r *http.Request) (*AuthUser, error) {
	token := extractToken(r)
	if token == "" {
		return nil, apperror.ErrMissingToken
	}

	if m.cfg.Auth.AdminToken != "" && token == m.cfg.Auth.AdminToken {
		return &AuthUser{ID: "admin", IsAdmin: true, Scopes: []string{"*"}}, nil
	}

	if m.cfg.Auth.DebugUserID != "" && m.cfg.Debug {
		return &AuthUser{ID: m.cfg.Auth.DebugUserID}, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(m.cfg.Auth.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperror.ErrInvalidToken.WithInternal(err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return nil, apperror.ErrInvalidToken
	}

	return &AuthUser{ID: c.Subject, Scopes: c.Scopes}, nil
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// SSE clients can't set headers on EventSource; allow a query param.
	return r.URL.Query().Get("token")
}
