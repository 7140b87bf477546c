// Package listener fans subscribe events and connection statuses out to registered sinks.
package listener

import (
	"github.com/coachpo/relay/internal/domain/schema"
)

// Listener receives every event and status delivered by an engine.
// Calls to one listener are serialised and arrive in delivery order.
type Listener interface {
	OnEvent(evt schema.Event)
	OnStatus(status schema.Status)
}

// ID identifies a registered listener.
type ID uint64

// Funcs adapts plain functions to Listener; nil fields ignore that notification.
type Funcs struct {
	Event  func(schema.Event)
	Status func(schema.Status)
}

// OnEvent implements Listener.
func (f Funcs) OnEvent(evt schema.Event) {
	if f.Event != nil {
		f.Event(evt)
	}
}

// OnStatus implements Listener.
func (f Funcs) OnStatus(status schema.Status) {
	if f.Status != nil {
		f.Status(status)
	}
}
