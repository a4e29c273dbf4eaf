// Package v1 defines the tether realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
//
// Every websocket frame is a JSON array whose first element is the event type:
//
//	[1, requestId, {"type": "repo/watch_branch", ...}]   message
//	[5, requestId, "not_authorized", "message"]          error
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Event types (wire-stable, first element of every frame).
const (
	EventMessage = 1
	EventError   = 5
)

// NoRequestID marks server-initiated frames that do not answer a specific request.
const NoRequestID int64 = -1

// Error codes carried by error frames and acknowledgements.
const (
	ErrCodeUnacceptableConnectionToken = "unacceptable_connection_token"
	ErrCodeNotAuthorized               = "not_authorized"
	ErrCodeNotLoggedIn                 = "not_logged_in"
	ErrCodeMaxSizeReached              = "max_size_reached"
	ErrCodeBadMessage                  = "bad_message"
	ErrCodeUnsupported                 = "unsupported"
	ErrCodeServerError                 = "server_error"
)

// Frame is the canonical wire wrapper.
//
// For EventMessage frames Message holds the raw message object.
// For EventError frames ErrorCode and ErrorMessage are populated instead.
type Frame struct {
	Event        int
	RequestID    int64
	Message      json.RawMessage
	ErrorCode    string
	ErrorMessage string
}

// NewMessageFrame encodes msg into a message frame.
func NewMessageFrame(requestID int64, msg any) (Frame, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: EventMessage, RequestID: requestID, Message: raw}, nil
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(requestID int64, code, message string) Frame {
	return Frame{Event: EventError, RequestID: requestID, ErrorCode: code, ErrorMessage: message}
}

// MarshalJSON encodes the frame as a JSON array.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Event {
	case EventMessage:
		msg := f.Message
		if len(msg) == 0 {
			msg = json.RawMessage("null")
		}
		return json.Marshal([]any{f.Event, f.RequestID, msg})
	case EventError:
		return json.Marshal([]any{f.Event, f.RequestID, f.ErrorCode, f.ErrorMessage})
	default:
		return nil, fmt.Errorf("unknown event type: %d", f.Event)
	}
}

// UnmarshalJSON decodes a JSON array frame.
func (f *Frame) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) < 2 {
		return errors.New("frame: expected at least 2 elements")
	}

	var out Frame
	if err := json.Unmarshal(parts[0], &out.Event); err != nil {
		return fmt.Errorf("frame: invalid event type: %w", err)
	}
	if err := json.Unmarshal(parts[1], &out.RequestID); err != nil {
		return fmt.Errorf("frame: invalid request id: %w", err)
	}

	switch out.Event {
	case EventMessage:
		if len(parts) < 3 {
			return errors.New("frame: missing message")
		}
		out.Message = append(json.RawMessage(nil), parts[2]...)
	case EventError:
		if len(parts) < 3 {
			return errors.New("frame: missing error code")
		}
		if err := json.Unmarshal(parts[2], &out.ErrorCode); err != nil {
			return fmt.Errorf("frame: invalid error code: %w", err)
		}
		if len(parts) > 3 {
			if err := json.Unmarshal(parts[3], &out.ErrorMessage); err != nil {
				return fmt.Errorf("frame: invalid error message: %w", err)
			}
		}
	}

	*f = out
	return nil
}

// Validate performs strict structural validation for a Frame.
func (f Frame) Validate() error {
	switch f.Event {
	case EventMessage:
		m := bytes.TrimSpace(f.Message)
		if len(m) == 0 || bytes.Equal(m, []byte("null")) {
			return errors.New("missing message")
		}
		if m[0] != '{' {
			return errors.New("message must be an object")
		}
		return nil
	case EventError:
		if f.ErrorCode == "" {
			return errors.New("missing error code")
		}
		return nil
	default:
		return fmt.Errorf("unsupported event type: %d", f.Event)
	}
}
