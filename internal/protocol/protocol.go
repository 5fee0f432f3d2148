// Package protocol defines the envelopes exchanged over the social chat
// channel and the presence events delivered alongside them. Payloads are
// decoded exactly once, at the dispatch boundary, into a closed union of
// typed messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lattice-proxy/lattice-proxy/internal/consent"
)

// ClientStatus describes one transient client session of a peer.
type ClientStatus int

const (
	StatusUnknown ClientStatus = iota
	// StatusOnline means the client runs this protocol and is reachable.
	StatusOnline
	// StatusOnlineWithOtherApp means the peer is connected with a plain
	// chat client that does not speak this protocol.
	StatusOnlineWithOtherApp
	StatusOffline
)

var statusNames = map[ClientStatus]string{
	StatusOnline:             "ONLINE",
	StatusOnlineWithOtherApp: "ONLINE_WITH_OTHER_APP",
	StatusOffline:            "OFFLINE",
}

func (s ClientStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ClientStatus(%d)", int(s))
}

// MarshalJSON encodes the status under its wire name.
func (s ClientStatus) MarshalJSON() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("cannot encode client status %d", int(s))
	}
	return json.Marshal(name)
}

// UnmarshalJSON accepts the wire names; anything else maps to StatusUnknown
// so a newer transport cannot break presence handling.
func (s *ClientStatus) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return err
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	*s = StatusUnknown
	return nil
}

// ClientState is a presence event for one client session of a peer.
type ClientState struct {
	UserID    string       `json:"userId"`
	ClientID  string       `json:"clientId"`
	Status    ClientStatus `json:"status"`
	Timestamp int64        `json:"timestamp"`
}

// MessageType tags an envelope. Unknown values survive decoding so that
// dispatch can drop them without failing.
type MessageType string

const (
	TypeInstance             MessageType = "INSTANCE"
	TypeInstanceRequest      MessageType = "INSTANCE_REQUEST"
	TypeSignalFromClientPeer MessageType = "SIGNAL_FROM_CLIENT_PEER"
	TypeSignalFromServerPeer MessageType = "SIGNAL_FROM_SERVER_PEER"
)

// Envelope is the unit delivered by the social transport.
type Envelope struct {
	Type         MessageType     `json:"type"`
	FromUserID   string          `json:"fromUserId"`
	FromClientID string          `json:"fromClientId"`
	ToUserID     string          `json:"toUserId,omitempty"`
	ToClientID   string          `json:"toClientId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownType marks an envelope type this build does not understand.
// Callers drop such envelopes quietly for forward compatibility.
var ErrUnknownType = errors.New("unknown message type")

// Message is the closed union of decoded envelope payloads.
type Message interface {
	messageType() MessageType
}

// InstanceHandshake binds the sender's stable instanceId to its current
// clientId and carries its trust and consent metadata. Name and UserID are
// a fallback for networks that never deliver a roster profile.
type InstanceHandshake struct {
	InstanceID  string       `json:"instanceId"`
	KeyHash     string       `json:"keyHash"`
	Description string       `json:"description"`
	Consent     consent.Wire `json:"consent"`
	Name        string       `json:"name,omitempty"`
	UserID      string       `json:"userId,omitempty"`
}

func (InstanceHandshake) messageType() MessageType { return TypeInstance }

// InstanceRequest asks the receiver to (re-)send its instance handshake.
type InstanceRequest struct{}

func (InstanceRequest) messageType() MessageType { return TypeInstanceRequest }

// SignalSource distinguishes which end of a proxy session sent a signal.
type SignalSource int

const (
	SignalFromClientPeer SignalSource = iota + 1
	SignalFromServerPeer
)

// Signal is an opaque data-plane signalling payload, forwarded untouched to
// the instance that owns the sending client.
type Signal struct {
	Source  SignalSource
	Payload json.RawMessage
}

func (s Signal) messageType() MessageType {
	if s.Source == SignalFromServerPeer {
		return TypeSignalFromServerPeer
	}
	return TypeSignalFromClientPeer
}

// Decode turns an envelope into its typed payload. An unrecognized type
// yields ErrUnknownType; a malformed payload of a known type is an error.
func Decode(env Envelope) (Message, error) {
	switch env.Type {
	case TypeInstance:
		var h InstanceHandshake
		if err := json.Unmarshal(env.Data, &h); err != nil {
			return nil, fmt.Errorf("decode instance handshake: %w", err)
		}
		if h.InstanceID == "" {
			return nil, errors.New("instance handshake missing instanceId")
		}
		return h, nil
	case TypeInstanceRequest:
		return InstanceRequest{}, nil
	case TypeSignalFromClientPeer:
		return Signal{Source: SignalFromClientPeer, Payload: env.Data}, nil
	case TypeSignalFromServerPeer:
		return Signal{Source: SignalFromServerPeer, Payload: env.Data}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode wraps a typed message into an envelope, marshalling its payload.
func Encode(msg Message) (Envelope, error) {
	env := Envelope{Type: msg.messageType()}
	switch m := msg.(type) {
	case InstanceHandshake:
		data, err := json.Marshal(m)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode instance handshake: %w", err)
		}
		env.Data = data
	case InstanceRequest:
		env.Data = json.RawMessage(`{}`)
	case Signal:
		env.Data = m.Payload
	default:
		return Envelope{}, fmt.Errorf("cannot encode message type %T", msg)
	}
	return env, nil
}
