package realtime

import (
	"context"
	"fmt"
	"strings"

	v1 "tether/shared/contracts/realtime/v1"
)

// Messenger delivers server messages to connections.
//
// The controller treats delivery as fire-and-forget: a returned error is
// logged and counted, never propagated to the writer that caused it.
type Messenger interface {
	// SendMessage delivers msg to every id except excludeID (empty = none).
	SendMessage(ctx context.Context, ids []string, msg v1.ServerMessage, excludeID string) error
	// SendEvent delivers an out-of-band frame (errors) to one connection.
	SendEvent(ctx context.Context, id string, frame v1.Frame) error
}

// DeliveryError reports recipients that did not get a message.
type DeliveryError struct {
	Missing []string // no live socket for the id
	Dropped []string // send queue full or client shutting down
}

func (e *DeliveryError) Error() string {
	var b strings.Builder
	b.WriteString("delivery failed")
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing=%s", strings.Join(e.Missing, ","))
	}
	if len(e.Dropped) > 0 {
		fmt.Fprintf(&b, ": dropped=%s", strings.Join(e.Dropped, ","))
	}
	return b.String()
}

func (e *DeliveryError) empty() bool { return len(e.Missing) == 0 && len(e.Dropped) == 0 }
