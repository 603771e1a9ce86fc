package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/cortexuvula/roomrelay/internal/config"
)

// ErrUnauthorized is returned when a request carries no acceptable credential.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller behind a connection or API request.
// The zero value is an anonymous caller.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Anonymous reports whether no user identity is attached.
func (id Identity) Anonymous() bool {
	return id.UserID == ""
}

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
// The scheme is matched case-insensitively and surrounding space is trimmed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// RequestToken returns the credential from the Authorization header, falling
// back to the token query parameter (browsers cannot set headers on a
// WebSocket handshake). fromQuery reports which source was used.
func RequestToken(r *http.Request) (token string, fromQuery bool) {
	if token = ExtractBearerToken(r.Header.Get("Authorization")); token != "" {
		return token, false
	}
	if token = r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(remoteAddr, "["), "]")
}

// Authenticator resolves the caller identity for upgrades and API calls.
//
// With neither a static token nor a JWT secret configured every caller is
// accepted anonymously. A static token admits service callers without a user
// identity; a valid JWT admits the user named in its claims.
type Authenticator struct {
	token string
	jwt   *JWTManager
}

// NewAuthenticator builds an authenticator from the security config.
func NewAuthenticator(cfg config.SecurityConfig) (*Authenticator, error) {
	a := &Authenticator{token: cfg.AuthToken}
	if cfg.JWTSecret != "" {
		m, err := NewJWTManager(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		a.jwt = m
	}
	return a, nil
}

// Required reports whether requests must carry a credential.
func (a *Authenticator) Required() bool {
	return a.token != "" || a.jwt != nil
}

// WithToken returns a copy using a different static token (SIGHUP reload).
func (a *Authenticator) WithToken(token string) *Authenticator {
	next := *a
	next.token = token
	return &next
}

// Authenticate checks the request credential.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token, _ := RequestToken(r)
	if !a.Required() {
		return Identity{}, nil
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if a.token != "" && TokenMatch(token, a.token) {
		return Identity{}, nil
	}
	if a.jwt != nil {
		claims, err := a.jwt.ValidateToken(token)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return claims.Identity(), nil
	}
	return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by WithIdentity, or the
// anonymous identity.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
