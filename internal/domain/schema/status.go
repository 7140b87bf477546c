package schema

import (
	"time"
)

// ConnectionState is the subscribe engine lifecycle state.
type ConnectionState int

const (
	// StateIdle means nothing is subscribed and no poll is running.
	StateIdle ConnectionState = iota
	// StateConnecting means a first poll is in flight after subscribe or reconnect.
	StateConnecting
	// StateConnected means polls are succeeding.
	StateConnected
	// StateReconnecting means polls are failing and a retry is scheduled.
	StateReconnecting
	// StateDisconnected is terminal until Reconnect (policy give-up) or final (Stop).
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StatusCategory refines a status notification.
type StatusCategory string

const (
	CategoryConnected            StatusCategory = "connected"
	CategoryReconnected          StatusCategory = "reconnected"
	CategoryReconnecting         StatusCategory = "reconnecting"
	CategoryDisconnected         StatusCategory = "disconnected"
	CategoryUnexpectedDisconnect StatusCategory = "unexpected_disconnect"
	CategoryAccessDenied         StatusCategory = "access_denied"
	CategoryBadRequest           StatusCategory = "bad_request"
	CategoryTimeout              StatusCategory = "timeout"
	CategoryAcknowledgment       StatusCategory = "acknowledgment"
	CategoryHeartbeatFailed      StatusCategory = "heartbeat_failed"
	CategoryHeartbeatSucceeded   StatusCategory = "heartbeat_succeeded"
	CategoryDecryptionError      StatusCategory = "decryption_error"
	CategoryCursorReset          StatusCategory = "cursor_reset"
	CategoryMalformedMessage     StatusCategory = "malformed_message"
	CategoryListenerOverflow     StatusCategory = "listener_overflow"
)

// Status is a connection notification delivered to listeners alongside events.
type Status struct {
	State     ConnectionState
	Previous  ConnectionState
	Category  StatusCategory
	Operation string
	Err       error
	// Attempt and NextDelay describe the pending retry while reconnecting.
	Attempt   uint
	NextDelay time.Duration
	Channels  []string
	Groups    []string
	Cursor    Cursor
	// Dropped counts notifications a listener missed because its queue stayed full.
	Dropped uint64
}

// IsError reports whether the status carries a failure.
func (s Status) IsError() bool {
	return s.Err != nil
}
