package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSecretBytes = 32

// Config controls token verification.
type Config struct {
	// Secret is the shared HMAC key of the session issuer.
	Secret []byte

	// Issuer is the required "iss" claim.
	Issuer string

	// TTL is the lifetime of tokens minted by Issue.
	TTL time.Duration

	// ClockSkew is the leeway applied to exp/nbf/iat checks.
	ClockSkew time.Duration
}

// Claims is the token payload. The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager verifies (and, for tooling and tests, issues) HS256 access tokens.
type TokenManager struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
}

// NewTokenManager validates cfg and builds a TokenManager.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrConfig, minSecretBytes)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("%w: empty issuer", ErrConfig)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.ClockSkew < 0 {
		return nil, fmt.Errorf("%w: negative clock skew", ErrConfig)
	}
	return &TokenManager{
		secret:    append([]byte(nil), cfg.Secret...),
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		clockSkew: cfg.ClockSkew,
	}, nil
}

// Issue mints a token for p valid from now for the configured TTL.
func (m *TokenManager) Issue(p Principal, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return "", time.Time{}, errors.New("auth: empty user id")
	}
	exp := now.Add(m.ttl)

	claims := &Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer and validity window at now.
// Every failure maps to ErrInvalidToken.
func (m *TokenManager) Verify(token string, now time.Time) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}

	// Build a fresh parser per call so the time function is bound to now.
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var claims Claims
	parsed, err := p.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: sub, Role: claims.Role}, nil
}
