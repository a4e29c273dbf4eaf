package realtime

import v1 "tether/shared/contracts/realtime/v1"

// DeviceSelector addresses a remote action to devices on a branch.
type DeviceSelector struct {
	ConnectionID string
	DeviceID     string
	UserID       string
	Broadcast    bool
}

// SelectorFromAction extracts the routing fields of a remote action.
func SelectorFromAction(a v1.RemoteAction) DeviceSelector {
	return DeviceSelector{
		ConnectionID: a.ConnectionID,
		DeviceID:     a.DeviceID,
		UserID:       a.UserID,
		Broadcast:    a.Broadcast,
	}
}

// IsEmpty reports whether no routing field is set.
func (s DeviceSelector) IsEmpty() bool {
	return !s.Broadcast && s.ConnectionID == "" && s.DeviceID == "" && s.UserID == ""
}

// IsEventForDevice reports whether conn is addressed by sel.
//
// DeviceID is compared against the connection's UserID: device and user
// identity are the same thing for routing purposes.
// Empty selector fields never match.
func IsEventForDevice(sel DeviceSelector, conn Connection) bool {
	if sel.Broadcast {
		return true
	}
	if sel.UserID != "" && sel.UserID == conn.UserID {
		return true
	}
	if sel.ConnectionID != "" && sel.ConnectionID == conn.ClientConnectionID {
		return true
	}
	if sel.DeviceID != "" && sel.DeviceID == conn.UserID {
		return true
	}
	return false
}
