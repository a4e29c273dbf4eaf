package realtime

import (
	"errors"
	"fmt"

	v1 "tether/shared/contracts/realtime/v1"
)

var (
	// ErrConnectionNotFound is returned when a data-plane verb arrives for a
	// connection that never logged in (or was already cleared).
	// Transports must treat it as a protocol error and close the socket.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrMaxSizeReached is the sentinel wrapped by MaxSizeReachedError.
	ErrMaxSizeReached = errors.New("max_size_reached")

	// ErrVersionMismatch is returned by ReplaceUpdates when the log changed
	// since the caller read it.
	ErrVersionMismatch = errors.New("update log version mismatch")

	// ErrNotAuthorized is returned when the authorizer denies access to a branch.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUnacceptableConnectionToken is returned by Login for missing, invalid or
	// expired connection tokens.
	ErrUnacceptableConnectionToken = errors.New("unacceptable connection token")

	// ErrUnsupportedAction is returned for remote actions of an unknown kind.
	ErrUnsupportedAction = errors.New("unsupported action")

	// ErrInvalidMessage is returned for structurally valid messages missing required fields.
	ErrInvalidMessage = errors.New("invalid message")
)

// MaxSizeReachedError carries the configured limit and the size an append
// would have produced.
type MaxSizeReachedError struct {
	MaxBranchSizeInBytes    int64
	NeededBranchSizeInBytes int64
}

func (e *MaxSizeReachedError) Error() string {
	return fmt.Sprintf("%s: max=%d needed=%d", ErrMaxSizeReached.Error(), e.MaxBranchSizeInBytes, e.NeededBranchSizeInBytes)
}

func (e *MaxSizeReachedError) Unwrap() error { return ErrMaxSizeReached }

// ErrorCode maps an operation error onto the wire error code reported to the requester.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConnectionNotFound):
		return v1.ErrCodeNotLoggedIn
	case errors.Is(err, ErrUnacceptableConnectionToken):
		return v1.ErrCodeUnacceptableConnectionToken
	case errors.Is(err, ErrNotAuthorized):
		return v1.ErrCodeNotAuthorized
	case errors.Is(err, ErrMaxSizeReached):
		return v1.ErrCodeMaxSizeReached
	case errors.Is(err, ErrUnsupportedAction), errors.Is(err, v1.ErrUnknownType):
		return v1.ErrCodeUnsupported
	case errors.Is(err, ErrInvalidMessage):
		return v1.ErrCodeBadMessage
	default:
		return v1.ErrCodeServerError
	}
}
