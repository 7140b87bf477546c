// Package schema defines the client-side domain types shared by the subscribe engine and its transports.
package schema

import (
	json "github.com/goccy/go-json"
)

// EventKind classifies a delivered event. The set is closed; classification happens once when a
// batch is decoded.
type EventKind uint8

const (
	// EventKindMessage is a regular published message.
	EventKindMessage EventKind = iota + 1
	// EventKindSignal is a lightweight, non-persisted signal.
	EventKindSignal
	// EventKindPresenceChange reports join/leave/timeout/state-change on a presence channel.
	EventKindPresenceChange
	// EventKindObjectUpdate reports a change to app-context objects (users, channels, memberships).
	EventKindObjectUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventKindMessage:
		return "message"
	case EventKindSignal:
		return "signal"
	case EventKindPresenceChange:
		return "presence"
	case EventKindObjectUpdate:
		return "object"
	default:
		return "unknown"
	}
}

// Event is a single item of a subscribe batch.
type Event struct {
	Kind EventKind
	// Channel is the channel the event was published to. For presence events it is the
	// channel without the presence suffix.
	Channel string
	// Subscription is the group or wildcard that matched, when different from Channel.
	Subscription string
	Timetoken    uint64
	Region       uint32
	Publisher    string
	Payload      json.RawMessage
	Metadata     json.RawMessage
	// Presence is set only for EventKindPresenceChange.
	Presence *PresenceChange
}

// Cursor returns the position of the event itself.
func (e Event) Cursor() Cursor {
	return Cursor{Timetoken: e.Timetoken, Region: e.Region}
}

// PresenceAction names the occupancy transition reported by a presence event.
type PresenceAction string

const (
	PresenceJoin        PresenceAction = "join"
	PresenceLeave       PresenceAction = "leave"
	PresenceTimeout     PresenceAction = "timeout"
	PresenceStateChange PresenceAction = "state-change"
	PresenceInterval    PresenceAction = "interval"
)

// PresenceChange is the decoded body of a presence event.
type PresenceChange struct {
	Action    PresenceAction  `json:"action"`
	UUID      string          `json:"uuid,omitempty"`
	Occupancy int             `json:"occupancy"`
	Timestamp int64           `json:"timestamp"`
	State     json.RawMessage `json:"data,omitempty"`
	Join      []string        `json:"join,omitempty"`
	Leave     []string        `json:"leave,omitempty"`
	Timeout   []string        `json:"timeout,omitempty"`
}

// Rejected is an entry of a response that could not be turned into an event. The cursor
// still moves past it so the service does not hand it out again.
type Rejected struct {
	Index     int
	Channel   string
	Timetoken uint64
	Err       error
}

// Batch is the result of one successful poll.
type Batch struct {
	Events   []Event
	Rejected []Rejected
	Next     Cursor
}

// Empty reports whether the poll returned nothing to deliver.
func (b Batch) Empty() bool {
	return len(b.Events) == 0 && len(b.Rejected) == 0
}
