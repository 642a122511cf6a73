// Package auth verifies the bearer tokens that identify chat callers.
//
// Session issuance lives outside courier. This package only turns a signed token into a
// Principal and carries it through request contexts.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken is returned when a token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)

// SessionCookieName is the cookie browsers use to carry the token on WebSocket upgrades.
const SessionCookieName = "sessionToken"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// HasRole reports whether p carries role. An empty role never matches.
func (p Principal) HasRole(role string) bool {
	return role != "" && strings.EqualFold(p.Role, role)
}

// Verifier turns a raw token into a Principal.
type Verifier interface {
	Verify(token string, now time.Time) (Principal, error)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// TokenFromRequest extracts a token from, in order: the Authorization bearer header,
// the "token" query parameter (for WebSocket clients that cannot set headers), and the
// session cookie.
func TokenFromRequest(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
