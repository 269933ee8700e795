// Package transport defines the peer transport boundary the coordination
// engine consumes. Discovery, connection management, and delivery belong to
// the implementation behind the interface; the engine only needs to send,
// broadcast, receive, and know who it is.
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/Driftline-Labs/accord/pkg/envelope"
)

// Handler receives the raw bytes of one inbound message on a channel.
type Handler func(raw []byte)

// Transport is the engine-facing surface of the peer layer.
type Transport interface {
	// Self returns the local peer identity.
	Self() string

	// ConnectedPeers returns the identities of currently connected peers,
	// excluding self.
	ConnectedPeers() []string

	// Broadcast delivers the envelope to every connected peer on the named
	// channel and reports how many deliveries succeeded.
	Broadcast(ctx context.Context, channel string, env *envelope.Envelope) (int, error)

	// SendTo delivers the envelope to a single peer. False means the peer
	// is unknown or delivery failed; the caller decides whether that
	// matters.
	SendTo(ctx context.Context, peerID, channel string, env *envelope.Envelope) bool

	// OnMessage registers a handler for inbound messages on a channel.
	OnMessage(channel string, fn Handler)
}

// NewPeerID mints a fresh peer identity. Real transports derive identities
// from key material; the engine treats them as opaque strings either way.
func NewPeerID() string {
	return "peer-" + uuid.NewString()[:8]
}
