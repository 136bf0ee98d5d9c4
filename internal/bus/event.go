package bus

import "time"

// Event is one domain event published on the bus. Kind is a
// dot-namespaced name and subscribers filter on a prefix of it. The
// daemon uses four namespaces: "outbox." for delivery pipeline
// outcomes, "fed." for inbound federation events, "sync." for
// connectivity changes and "message." for timeline materialization.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Now creates an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
