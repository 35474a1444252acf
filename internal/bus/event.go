package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Namespaces ("message.", "presence.", ...) are the prefixes
// used by Handle and Subscribe.
const (
	MessageAppended = "message.appended"
	MessageRead     = "message.read"
	PresenceChanged = "presence.changed"
	ChatCreated     = "chat.created"
	ChatUpdated     = "chat.updated"
	UserRegistered  = "user.registered"
	UserUpdated     = "user.updated"
	SessionOpened   = "session.opened"
	SessionClosed   = "session.closed"

	DaemonStateChanged = "daemon.state_changed"
)
