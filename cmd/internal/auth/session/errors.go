package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidToken is returned when a connection token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a token verified but is past its expiration.
	ErrTokenExpired = errors.New("token expired")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// ExpiredTokenError carries the expiration of a rejected token.
type ExpiredTokenError struct {
	ExpiredAt time.Time
}

func (e ExpiredTokenError) Error() string {
	if e.ExpiredAt.IsZero() {
		return ErrTokenExpired.Error()
	}
	return fmt.Sprintf("%s: at %s", ErrTokenExpired.Error(), e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e ExpiredTokenError) Unwrap() error { return ErrTokenExpired }
