package session

import (
	"strings"
	"time"
)

// Config defines the connection-token settings.
//
// Verification needs only PasetoV4PublicKeyHex. PasetoV4SecretKeyHex is set
// on issuing sides; when it is present and the public key is not, the public
// key is derived from it.
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration

	// ClockSkew is the allowed time skew during token validation.
	ClockSkew time.Duration

	PasetoV4PublicKeyHex string
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns defaults suitable for development. Keys are never defaulted.
func DefaultConfig() Config {
	return Config{
		Issuer:    "tether",
		TokenTTL:  15 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

// Validate returns ErrConfig if the configuration cannot verify tokens.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}
	if c.TokenTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	if strings.TrimSpace(c.PasetoV4PublicKeyHex) == "" && strings.TrimSpace(c.PasetoV4SecretKeyHex) == "" {
		return ErrConfig
	}
	return nil
}
