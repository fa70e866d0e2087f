package domain

import (
	"encoding/json"
	"time"
)

// Inbound message types
const (
	TypeHello       = "hello"
	TypeJoinRequest = "join_request"
	TypeLeaveQueue  = "leave_queue"
	TypeLeave       = "leave"
	TypeIMU         = "imu"
	TypeChat        = "chat"
	TypeMatchResult = "match_result"
	TypeRaw         = "raw"
)

// Outbound message types
const (
	TypeServerHello        = "server_hello"
	TypeHelloAck           = "hello_ack"
	TypeQueueStatus        = "queue_status"
	TypeAlreadyInMatch     = "already_in_match"
	TypeLeft               = "left"
	TypeMatchStart         = "match_start"
	TypeMatchEnd           = "match_end"
	TypeMatchAbort         = "match_abort"
	TypeDeviceConnected    = "device_connected"
	TypeDeviceDisconnected = "device_disconnected"
	TypeDeviceList         = "device_list"
	TypeOpponentIMU        = "opponent_imu"
	TypeRelay              = "relay"
	TypeError              = "error"
)

// EventRecord is one accepted inbound frame as written to the event log,
// the NDJSON audit file and any observers.
type EventRecord struct {
	At      time.Time
	UID     string
	Name    string
	Role    Role
	Type    string
	MatchID string
	Payload json.RawMessage
}

// AuditLine is the NDJSON shape of an EventRecord
type AuditLine struct {
	ServerTS float64         `json:"server_ts"`
	UID      string          `json:"uid"`
	Name     string          `json:"name"`
	Role     Role            `json:"role"`
	Payload  json.RawMessage `json:"payload"`
}

// Line converts the record to its NDJSON form
func (r EventRecord) Line() AuditLine {
	return AuditLine{
		ServerTS: Epoch(r.At),
		UID:      r.UID,
		Name:     r.Name,
		Role:     r.Role,
		Payload:  r.Payload,
	}
}

// ServerHello is sent once to every new connection
type ServerHello struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
	UID      string  `json:"uid"`
	Name     string  `json:"name"`
	Role     Role    `json:"role"`
}

// HelloAck answers an explicit hello
type HelloAck struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
	UID      string  `json:"uid"`
}

// QueueStatus answers a join_request
type QueueStatus struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
	Queued   bool    `json:"queued"`
	QueueLen int     `json:"queue_len"`
}

// AlreadyInMatch rejects a join_request from a matched phone
type AlreadyInMatch struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
	MatchID  string  `json:"match_id"`
}

// Left acknowledges leave/leave_queue
type Left struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
}

// MatchStart announces a freshly paired match
type MatchStart struct {
	Type     string      `json:"type"`
	ServerTS float64     `json:"server_ts"`
	MatchID  string      `json:"match_id"`
	Players  []PlayerRef `json:"players"`
}

// MatchEnd announces a resolved match
type MatchEnd struct {
	Type      string          `json:"type"`
	ServerTS  float64         `json:"server_ts"`
	MatchID   string          `json:"match_id"`
	WinnerUID string          `json:"winner_uid"`
	Result    json.RawMessage `json:"result"`
}

// MatchAbort announces an aborted match
type MatchAbort struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
	MatchID  string  `json:"match_id"`
	Reason   string  `json:"reason"`
}

// DeviceEvent is sent to ue listeners when a phone comes or goes
type DeviceEvent struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
	UID      string  `json:"uid"`
	Name     string  `json:"name"`
	Role     Role    `json:"role"`
	Remote   string  `json:"remote"`
}

// Device is one entry of a DeviceList
type Device struct {
	UID         string  `json:"uid"`
	Name        string  `json:"name"`
	Remote      string  `json:"remote"`
	ConnectedAt float64 `json:"connected_at"`
	LastSeen    float64 `json:"last_seen"`
}

// DeviceList is the snapshot of connected phones a ue receives on connect
type DeviceList struct {
	Type     string   `json:"type"`
	ServerTS float64  `json:"server_ts"`
	Devices  []Device `json:"devices"`
}

// ErrorMessage reports a rejected request to its sender
type ErrorMessage struct {
	Type     string  `json:"type"`
	ServerTS float64 `json:"server_ts"`
	Msg      string  `json:"msg"`
}
