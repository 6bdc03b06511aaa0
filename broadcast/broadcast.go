// Package broadcast carries cache change notifications between execution
// contexts that share an origin.
//
// Delivery is best-effort and asynchronous. A context never receives its own
// messages.
package broadcast

import (
	"context"
	"errors"
)

// DefaultChannelName is the channel every context of an origin joins.
const DefaultChannelName = "credential-cache.broadcast"

// ErrClosed is returned when publishing or subscribing on a closed channel.
var ErrClosed = errors.New("broadcast: channel closed")

// Message announces that key changed. A nil Value means the key was removed.
// Context is the encryption context the value belongs to; receivers with a
// different client id ignore client-scoped messages.
type Message struct {
	Key     string  `json:"key"`
	Value   *string `json:"value"`
	Context string  `json:"context"`
}

// Removed reports whether the message announces a removal.
func (m Message) Removed() bool {
	return m.Value == nil
}

// Channel is one context's handle on a broadcast channel.
type Channel interface {
	// Publish sends msg to every other context on the channel.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers handler for messages from other contexts.
	// Handlers run on a delivery goroutine, in publish order.
	Subscribe(ctx context.Context, handler func(Message)) (unsubscribe func(), err error)

	// Close stops all subscriptions and detaches from the channel.
	Close() error
}
