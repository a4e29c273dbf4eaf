package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/realtime"
	"tether/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
// Requiring auth without a verification key is a startup error.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.WSRequireAuth && !cfg.TokenVerificationEnabled() {
		return errors.New("security policy: TETHER_WS_REQUIRE_AUTH=true but TETHER_PASETO_V4_PUBLIC_KEY_HEX is missing")
	}
	if cfg.TokenVerificationEnabled() {
		if err := cfg.SessionConfig().Validate(); err != nil {
			return fmt.Errorf("security policy: invalid connection token config: %w", err)
		}
	}

	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes for the HMAC-SHA256 secret, measured in bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but TETHER_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but TETHER_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but token fingerprints are not in HMAC mode")
	}

	return nil
}

// newTokenVerifier adapts the PASETO verifier to the controller's login port.
// It returns nil when no public key is configured (anonymous-only server).
func newTokenVerifier(cfg Config) (realtime.TokenVerifier, error) {
	if !cfg.TokenVerificationEnabled() {
		return nil, nil
	}
	v, err := session.NewPasetoV4PublicVerifier(cfg.SessionConfig())
	if err != nil {
		return nil, err
	}
	return realtime.TokenVerifierFunc(func(ctx context.Context, tok string, now time.Time) (realtime.TokenIdentity, error) {
		claims, err := v.Verify(ctx, tok, now)
		if err != nil {
			return realtime.TokenIdentity{}, err
		}
		return realtime.TokenIdentity{
			UserID:       claims.UserID,
			SessionID:    claims.SessionID,
			ConnectionID: claims.ConnectionID,
		}, nil
	}), nil
}
