package app

import (
	"errors"
	"fmt"
	"strings"

	"courier/cmd/internal/auth"
)

const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces courier's token policy at startup.
//
// The secret is measured in bytes because it is used as a raw HMAC key.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("security policy: CHAT_JWT_SECRET is missing")
	}
	if len(cfg.JWTSecret) < minJWTSecretBytes {
		return fmt.Errorf("security policy: CHAT_JWT_SECRET is too short (min %d bytes)", minJWTSecretBytes)
	}
	if strings.TrimSpace(cfg.JWTIssuer) == "" {
		return errors.New("security policy: CHAT_JWT_ISSUER is missing")
	}
	if cfg.JWTClockSkew < 0 {
		return errors.New("security policy: CHAT_JWT_CLOCK_SKEW must not be negative")
	}
	if cfg.WSDevInsecure && cfg.WSOriginRequired {
		return errors.New("security policy: CHAT_WS_DEV_INSECURE requires CHAT_WS_ORIGIN_REQUIRED=false")
	}
	return nil
}

func tokenConfig(cfg Config) auth.Config {
	return auth.Config{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		ClockSkew: cfg.JWTClockSkew,
	}
}
