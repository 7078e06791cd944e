package ports

import (
	"context"
	"time"
)

// WillMessage is the transport-level last-will registered before connecting,
// so an abrupt disconnect still yields a death notification.
type WillMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// ConnEvent notifies observers of transport connectivity changes.
type ConnEvent struct {
	Connected bool
	Err       error
	At        time.Time
}

// CommandHandler receives broker-side commands (e.g. rebirth requests)
// addressed to a node.
type CommandHandler func(nodeID string, payload []byte)

// Transport owns the broker connection. Implementations reconnect with
// bounded exponential backoff; every call takes an explicit deadline through
// ctx and fails with a TimeoutError on expiry.
type Transport interface {
	// SetWill registers a session death certificate as the last will. Must
	// be called before Connect for the will to take effect.
	SetWill(will WillMessage)

	// Connect dials the broker. Safe to call once; reconnects afterwards are
	// the transport's own concern.
	Connect(ctx context.Context) error

	// Publish delivers one entry and waits for the QoS-level acknowledgement
	// or the ctx deadline, whichever comes first.
	Publish(ctx context.Context, e *QueueEntry) error

	// SubscribeCommands listens for node command messages (rebirth requests)
	// under the given topic filter.
	SubscribeCommands(filter string, h CommandHandler) error

	// Events exposes connectivity transitions for the publisher drain loop
	// and the backpressure controller.
	Events() <-chan ConnEvent

	// Connected reports the current link state.
	Connected() bool

	// Close disconnects, allowing a short drain for in-flight messages.
	Close(ctx context.Context) error
}
