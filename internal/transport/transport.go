// Package transport defines the narrow contract between the social core
// and a chat-style transport, plus two adapters: a websocket relay client
// and an in-process loopback hub for tests.
package transport

import (
	"context"

	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
)

// Sender delivers envelopes to a remote client over the social channel.
type Sender interface {
	Send(ctx context.Context, clientID string, env protocol.Envelope) error
}

// Handler receives inbound transport events. Implemented by the social
// Network; calls may arrive from the transport's reader goroutine and are
// expected to enqueue rather than block for long.
type Handler interface {
	HandleClientState(cs protocol.ClientState)
	HandleEnvelope(env protocol.Envelope)
}

// Frame kinds on the relay wire.
const (
	FrameKindPresence = "presence"
	FrameKindMessage  = "message"
)

// Frame is the JSON unit exchanged with the relay hub. Exactly one of
// Presence or Message is set, per Kind.
type Frame struct {
	Kind     string                `json:"kind"`
	To       string                `json:"to,omitempty"`
	Presence *protocol.ClientState `json:"presence,omitempty"`
	Message  *protocol.Envelope    `json:"message,omitempty"`
}
