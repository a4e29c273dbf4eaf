package token

import "errors"

var (
	// ErrHMACKeyMissing is returned when TETHER_TOKEN_HMAC_KEY is not set.
	ErrHMACKeyMissing = errors.New("token: hmac key missing")

	// ErrHMACKeyTooShort is returned when TETHER_TOKEN_HMAC_KEY is shorter than required.
	ErrHMACKeyTooShort = errors.New("token: hmac key too short")
)
