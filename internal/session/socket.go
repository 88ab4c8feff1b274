package session

import (
	"context"

	"wabridge/internal/domain"
)

// Event is a connection lifecycle or message event emitted by a Socket.
// Concrete types are the Event* structs below.
type Event any

// EventQR carries a fresh pairing code.
type EventQR struct {
	Code string
}

// EventConnected signals a fully authenticated, open session.
type EventConnected struct{}

// EventDisconnected signals session closure. LoggedOut marks an explicit,
// user-initiated logout, which is terminal; everything else is transient.
type EventDisconnected struct {
	LoggedOut bool
	Reason    string
}

// EventCreds signals that the session credentials changed and should be
// persisted.
type EventCreds struct{}

// EventMessage carries one inbound message.
type EventMessage struct {
	Message domain.Message
}

// Socket is one live connection attempt against the WhatsApp servers. Exactly
// one socket is active at a time; the controller tears it down and replaces it
// on reconnect.
type Socket interface {
	// Open starts the session. It returns quickly; authentication progress
	// arrives through events.
	Open() error
	// Close tears the connection down without invalidating credentials.
	Close()
	// Logout ends the session and invalidates the stored credentials.
	Logout(ctx context.Context) error
	// SendText delivers a text message to the given JID.
	SendText(ctx context.Context, toJID, text string) error
	// SaveCredentials persists the current credential snapshot.
	SaveCredentials(ctx context.Context) error
	// Subscribe registers the event handler. Must be called before Open.
	Subscribe(func(Event))
	// IsConnected reports whether the underlying transport is up.
	IsConnected() bool
	// User returns the authenticated account identifier, if any.
	User() string
}

// Dialer creates sockets. Credential loading happens inside Dial, so a dial
// failure is part of the pre-event failure path.
type Dialer interface {
	Dial(ctx context.Context) (Socket, error)
}

// Notifier delivers out-of-band operator alerts. Optional.
type Notifier interface {
	Alert(text string)
}
