package realtime

import v1 "tether/shared/contracts/realtime/v1"

// Connection is one logical client session bound to a physical socket.
type Connection struct {
	// ServerConnectionID is assigned by the transport and unique per socket.
	ServerConnectionID string
	// ClientConnectionID is declared by the client and stable across reconnects.
	ClientConnectionID string

	UserID    string
	SessionID string
	Token     string
}

// Info returns the identity other devices see.
func (c Connection) Info() v1.ConnectionInfo {
	return v1.ConnectionInfo{
		ConnectionID: c.ClientConnectionID,
		UserID:       c.UserID,
		SessionID:    c.SessionID,
	}
}

// NamespaceConnection is a connection as seen through one namespace subscription.
type NamespaceConnection struct {
	Connection
	Temporary bool
}

// NamespaceSubscription associates a connection with a data or presence namespace.
type NamespaceSubscription struct {
	Namespace string
	Kind      NamespaceKind
	Key       BranchKey
	Temporary bool
}
