// Package relay is the publish/subscribe seam between the fan-out router and the transport
// that carries frames to the node owning a destination.
package relay

import (
	"context"
	"encoding/json"

	"github.com/and161185/chifferchat/internal/protocol"
)

// Envelope is one encoded frame addressed to a logical destination.
type Envelope struct {
	Kind  protocol.Kind   `json:"kind"`
	Frame json.RawMessage `json:"frame"`
	// Except names a session that must not receive the frame.
	Except string `json:"except,omitempty"`
}

// Handler consumes envelopes for a subscribed target.
type Handler func(Envelope)

// Subscription is released with Unsubscribe.
type Subscription interface {
	Unsubscribe() error
}

// Relay publishes envelopes to targets and delivers them to subscribers.
type Relay interface {
	Publish(ctx context.Context, target string, env Envelope) error
	Subscribe(target string, h Handler) (Subscription, error)
	Close() error
}
