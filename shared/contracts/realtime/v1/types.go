package v1

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type constants (wire-stable).
const (
	// TypeLogin establishes the connection identity (client -> server).
	TypeLogin = "login"
	// TypeLoginResult confirms a successful login (server -> client).
	TypeLoginResult = "login_result"

	// TypeWatchBranch subscribes to a branch's update log (client -> server).
	TypeWatchBranch = "repo/watch_branch"
	// TypeUnwatchBranch removes a branch subscription (client -> server).
	TypeUnwatchBranch = "repo/unwatch_branch"

	// TypeAddUpdates appends updates (client -> server) and delivers them (server -> client).
	TypeAddUpdates = "repo/add_updates"
	// TypeUpdatesReceived acknowledges an add_updates request carrying an updateId (server -> client).
	TypeUpdatesReceived = "repo/updates_received"
	// TypeGetUpdates pulls the full log without subscribing (client -> server).
	TypeGetUpdates = "repo/get_updates"

	// TypeSendAction routes a remote action to devices on a branch (client -> server).
	TypeSendAction = "repo/send_action"
	// TypeSendEvent is an accepted alias of TypeSendAction.
	TypeSendEvent = "repo/send_event"
	// TypeReceiveAction delivers a translated device action (server -> client).
	TypeReceiveAction = "repo/receive_action"

	// TypeWatchBranchDevices subscribes to branch presence only (client -> server).
	TypeWatchBranchDevices = "repo/watch_branch_devices"
	// TypeWatchBranchConnections is an accepted alias of TypeWatchBranchDevices.
	TypeWatchBranchConnections = "repo/watch_branch_connections"
	// TypeUnwatchBranchDevices removes a presence subscription (client -> server).
	TypeUnwatchBranchDevices = "repo/unwatch_branch_devices"
	// TypeUnwatchBranchConnections is an accepted alias of TypeUnwatchBranchDevices.
	TypeUnwatchBranchConnections = "repo/unwatch_branch_connections"

	// TypeConnectedToBranch announces a watcher joining a branch (server -> presence watchers).
	TypeConnectedToBranch = "repo/connected_to_branch"
	// TypeDisconnectedFromBranch announces a watcher leaving a branch (server -> presence watchers).
	TypeDisconnectedFromBranch = "repo/disconnected_from_branch"

	// TypeConnectionCount requests (client -> server) and returns (server -> client) a watcher count.
	TypeConnectionCount = "repo/connection_count"

	// TypeSyncTime starts a clock sync exchange (client -> server).
	TypeSyncTime = "sync/time"
	// TypeSyncTimeResponse answers a clock sync exchange (server -> client).
	TypeSyncTimeResponse = "sync/time/response"

	// TypeRateLimitExceeded tells a client to back off (server -> client).
	TypeRateLimitExceeded = "rate_limit_exceeded"
)

// Remote action kinds sent by clients and the device action kinds receivers see.
const (
	ActionRemote       = "remote"
	ActionRemoteResult = "remote_result"
	ActionRemoteError  = "remote_error"

	ActionDevice       = "device"
	ActionDeviceResult = "device_result"
	ActionDeviceError  = "device_error"
)

// ClientMessage is the closed set of messages a client may send.
type ClientMessage interface {
	MessageType() string
	clientMessage()
}

// ServerMessage is the closed set of messages the server may send.
type ServerMessage interface {
	MessageType() string
	serverMessage()
}

// ConnectionInfo identifies a connected device to other devices.
type ConnectionInfo struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
}

// ---- Client -> server ----

// Login carries the optional connection token.
type Login struct {
	Type            string `json:"type"`
	ConnectionToken string `json:"connectionToken,omitempty"`
	ConnectionID    string `json:"connectionId,omitempty"`
}

// WatchBranch subscribes to a branch. It is also embedded in presence events.
type WatchBranch struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch"`
	Temporary  bool   `json:"temporary,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
}

// UnwatchBranch removes a data subscription.
type UnwatchBranch struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch"`
}

// AddUpdates is both the append request and the delivery event.
//
// Initial is set only on the snapshot sent in reply to a watch.
// Timestamps are set only on replies to get_updates.
type AddUpdates struct {
	Type       string   `json:"type"`
	RecordName string   `json:"recordName,omitempty"`
	Inst       string   `json:"inst,omitempty"`
	Branch     string   `json:"branch"`
	Updates    []string `json:"updates"`
	UpdateID   *int64   `json:"updateId,omitempty"`
	Initial    bool     `json:"initial,omitempty"`
	Timestamps []int64  `json:"timestamps,omitempty"`
}

// GetUpdates pulls the full log.
type GetUpdates struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch"`
}

// RemoteAction is an action addressed to devices on a branch.
//
// When none of ConnectionID, DeviceID, UserID, Broadcast is set the server
// picks one random watcher.
type RemoteAction struct {
	Type         string          `json:"type"`
	Event        json.RawMessage `json:"event,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	TaskID       json.RawMessage `json:"taskId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	DeviceID     string          `json:"deviceId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Broadcast    bool            `json:"broadcast,omitempty"`
}

// SendAction routes a remote action.
type SendAction struct {
	Type       string       `json:"type"`
	RecordName string       `json:"recordName,omitempty"`
	Inst       string       `json:"inst,omitempty"`
	Branch     string       `json:"branch"`
	Action     RemoteAction `json:"action"`
}

// WatchBranchDevices subscribes to presence events only.
type WatchBranchDevices struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch"`
}

// UnwatchBranchDevices removes a presence subscription.
type UnwatchBranchDevices struct {
	Type       string `json:"type"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch"`
}

// ConnectionCount asks for the number of watchers of a branch, or of all
// connections when Branch is nil.
type ConnectionCount struct {
	Type       string  `json:"type"`
	RecordName string  `json:"recordName,omitempty"`
	Inst       string  `json:"inst,omitempty"`
	Branch     *string `json:"branch"`
}

// SyncTime starts an NTP-style exchange.
type SyncTime struct {
	Type              string `json:"type"`
	ID                int64  `json:"id"`
	ClientRequestTime int64  `json:"clientRequestTime"`
}

// ---- Server -> client ----

// LoginResult confirms the connection identity.
type LoginResult struct {
	Type string         `json:"type"`
	Info ConnectionInfo `json:"info"`
}

// UpdatesReceived acknowledges an add_updates request.
type UpdatesReceived struct {
	Type                    string `json:"type"`
	RecordName              string `json:"recordName,omitempty"`
	Inst                    string `json:"inst,omitempty"`
	Branch                  string `json:"branch"`
	UpdateID                int64  `json:"updateId"`
	ErrorCode               string `json:"errorCode,omitempty"`
	MaxBranchSizeInBytes    int64  `json:"maxBranchSizeInBytes,omitempty"`
	NeededBranchSizeInBytes int64  `json:"neededBranchSizeInBytes,omitempty"`
}

// DeviceAction is the receiver-side shape of a remote action.
type DeviceAction struct {
	Type       string          `json:"type"`
	Connection ConnectionInfo  `json:"connection"`
	Event      json.RawMessage `json:"event,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	TaskID     json.RawMessage `json:"taskId,omitempty"`
}

// ReceiveAction delivers a device action.
type ReceiveAction struct {
	Type       string       `json:"type"`
	RecordName string       `json:"recordName,omitempty"`
	Inst       string       `json:"inst,omitempty"`
	Branch     string       `json:"branch"`
	Action     DeviceAction `json:"action"`
}

// ConnectedToBranch announces a watcher.
type ConnectedToBranch struct {
	Type       string         `json:"type"`
	Broadcast  bool           `json:"broadcast"`
	Branch     WatchBranch    `json:"branch"`
	Connection ConnectionInfo `json:"connection"`
}

// DisconnectedFromBranch announces a departed watcher.
type DisconnectedFromBranch struct {
	Type       string         `json:"type"`
	Broadcast  bool           `json:"broadcast"`
	RecordName string         `json:"recordName,omitempty"`
	Inst       string         `json:"inst,omitempty"`
	Branch     string         `json:"branch"`
	Connection ConnectionInfo `json:"connection"`
}

// ConnectionCountResult answers ConnectionCount.
type ConnectionCountResult struct {
	Type       string  `json:"type"`
	RecordName string  `json:"recordName,omitempty"`
	Inst       string  `json:"inst,omitempty"`
	Branch     *string `json:"branch"`
	Count      int     `json:"count"`
}

// SyncTimeResponse answers SyncTime.
type SyncTimeResponse struct {
	Type               string `json:"type"`
	ID                 int64  `json:"id"`
	ClientRequestTime  int64  `json:"clientRequestTime"`
	ServerReceiveTime  int64  `json:"serverReceiveTime"`
	ServerTransmitTime int64  `json:"serverTransmitTime"`
}

// RateLimitExceeded tells the client to back off.
type RateLimitExceeded struct {
	Type       string `json:"type"`
	RetryAfter int64  `json:"retryAfter"`
	TotalHits  int    `json:"totalHits"`
}

func (Login) MessageType() string                { return TypeLogin }
func (WatchBranch) MessageType() string          { return TypeWatchBranch }
func (UnwatchBranch) MessageType() string        { return TypeUnwatchBranch }
func (AddUpdates) MessageType() string           { return TypeAddUpdates }
func (GetUpdates) MessageType() string           { return TypeGetUpdates }
func (SendAction) MessageType() string           { return TypeSendAction }
func (WatchBranchDevices) MessageType() string   { return TypeWatchBranchDevices }
func (UnwatchBranchDevices) MessageType() string { return TypeUnwatchBranchDevices }
func (ConnectionCount) MessageType() string      { return TypeConnectionCount }
func (SyncTime) MessageType() string             { return TypeSyncTime }

func (LoginResult) MessageType() string            { return TypeLoginResult }
func (UpdatesReceived) MessageType() string        { return TypeUpdatesReceived }
func (ReceiveAction) MessageType() string          { return TypeReceiveAction }
func (ConnectedToBranch) MessageType() string      { return TypeConnectedToBranch }
func (DisconnectedFromBranch) MessageType() string { return TypeDisconnectedFromBranch }
func (ConnectionCountResult) MessageType() string  { return TypeConnectionCount }
func (SyncTimeResponse) MessageType() string       { return TypeSyncTimeResponse }
func (RateLimitExceeded) MessageType() string      { return TypeRateLimitExceeded }

func (Login) clientMessage()                {}
func (WatchBranch) clientMessage()          {}
func (UnwatchBranch) clientMessage()        {}
func (AddUpdates) clientMessage()           {}
func (GetUpdates) clientMessage()           {}
func (SendAction) clientMessage()           {}
func (WatchBranchDevices) clientMessage()   {}
func (UnwatchBranchDevices) clientMessage() {}
func (ConnectionCount) clientMessage()      {}
func (SyncTime) clientMessage()             {}

func (LoginResult) serverMessage()            {}
func (AddUpdates) serverMessage()             {}
func (UpdatesReceived) serverMessage()        {}
func (ReceiveAction) serverMessage()          {}
func (ConnectedToBranch) serverMessage()      {}
func (DisconnectedFromBranch) serverMessage() {}
func (ConnectionCountResult) serverMessage()  {}
func (SyncTimeResponse) serverMessage()       {}
func (RateLimitExceeded) serverMessage()      {}

// ErrUnknownType is returned by DecodeClientMessage for types outside the client set.
var ErrUnknownType = errors.New("unknown message type")

// DecodeClientMessage decodes a raw message object into its concrete type.
// Alias types are normalized to their canonical name.
func DecodeClientMessage(raw json.RawMessage) (ClientMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		return nil, errors.New("missing field: type")
	}

	switch head.Type {
	case TypeLogin:
		return decodeAs[Login](raw, TypeLogin)
	case TypeWatchBranch:
		return decodeAs[WatchBranch](raw, TypeWatchBranch)
	case TypeUnwatchBranch:
		return decodeAs[UnwatchBranch](raw, TypeUnwatchBranch)
	case TypeAddUpdates:
		return decodeAs[AddUpdates](raw, TypeAddUpdates)
	case TypeGetUpdates:
		return decodeAs[GetUpdates](raw, TypeGetUpdates)
	case TypeSendAction, TypeSendEvent:
		return decodeAs[SendAction](raw, TypeSendAction)
	case TypeWatchBranchDevices, TypeWatchBranchConnections:
		return decodeAs[WatchBranchDevices](raw, TypeWatchBranchDevices)
	case TypeUnwatchBranchDevices, TypeUnwatchBranchConnections:
		return decodeAs[UnwatchBranchDevices](raw, TypeUnwatchBranchDevices)
	case TypeConnectionCount:
		return decodeAs[ConnectionCount](raw, TypeConnectionCount)
	case TypeSyncTime:
		return decodeAs[SyncTime](raw, TypeSyncTime)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

type clientMessagePtr[T any] interface {
	*T
	ClientMessage
	setType(string)
}

func decodeAs[T any, P clientMessagePtr[T]](raw json.RawMessage, canonical string) (ClientMessage, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	P(&v).setType(canonical)
	return P(&v), nil
}

func (m *Login) setType(t string)                { m.Type = t }
func (m *WatchBranch) setType(t string)          { m.Type = t }
func (m *UnwatchBranch) setType(t string)        { m.Type = t }
func (m *AddUpdates) setType(t string)           { m.Type = t }
func (m *GetUpdates) setType(t string)           { m.Type = t }
func (m *SendAction) setType(t string)           { m.Type = t }
func (m *WatchBranchDevices) setType(t string)   { m.Type = t }
func (m *UnwatchBranchDevices) setType(t string) { m.Type = t }
func (m *ConnectionCount) setType(t string)      { m.Type = t }
func (m *SyncTime) setType(t string)             { m.Type = t }
