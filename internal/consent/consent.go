// Package consent implements the bilateral authorization state machine
// between the local user and one remote peer identity.
//
// Consent is tracked independently per direction. The getter direction
// covers the local user consuming the remote peer's network access; the
// giver direction covers the remote peer consuming ours. The two
// directions never influence each other, which the split into Getter and
// Giver sub-structs enforces by construction.
package consent

import (
	"fmt"
	"strings"
)

// Action is a unary operator command on the consent state. Getter-direction
// actions only ever touch the Getter sub-state, giver-direction actions only
// the Giver sub-state.
type Action int

const (
	// Getter direction: local wants to use the remote as a proxy.
	Request Action = iota + 1
	CancelRequest
	IgnoreOffer
	UnignoreOffer
	// Giver direction: remote wants to use the local node as a proxy.
	Offer
	CancelOffer
	IgnoreRequest
	UnignoreRequest
)

var actionNames = map[Action]string{
	Request:         "REQUEST",
	CancelRequest:   "CANCEL_REQUEST",
	IgnoreOffer:     "IGNORE_OFFER",
	UnignoreOffer:   "UNIGNORE_OFFER",
	Offer:           "OFFER",
	CancelOffer:     "CANCEL_OFFER",
	IgnoreRequest:   "IGNORE_REQUEST",
	UnignoreRequest: "UNIGNORE_REQUEST",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction maps an action name (as used by the admin API) to its Action.
func ParseAction(name string) (Action, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for action, n := range actionNames {
		if n == upper {
			return action, nil
		}
	}
	return 0, fmt.Errorf("unknown consent action %q", name)
}

// IsGetter reports whether the action belongs to the getter direction.
func (a Action) IsGetter() bool {
	switch a {
	case Request, CancelRequest, IgnoreOffer, UnignoreOffer:
		return true
	}
	return false
}

// Getter is the consent sub-state for the local user acting as getter.
type Getter struct {
	LocalRequestsAccessFromRemote bool `json:"localRequestsAccessFromRemote"`
	RemoteGrantsAccessToLocal     bool `json:"remoteGrantsAccessToLocal"`
	IgnoringRemoteOffer           bool `json:"ignoringRemoteUserOffer"`
}

// Giver is the consent sub-state for the local user acting as giver.
type Giver struct {
	LocalGrantsAccessToRemote     bool `json:"localGrantsAccessToRemote"`
	RemoteRequestsAccessFromLocal bool `json:"remoteRequestsAccessFromLocal"`
	IgnoringRemoteRequest         bool `json:"ignoringRemoteUserRequest"`
}

// State is the full per-peer consent state.
type State struct {
	Getter Getter `json:"getter"`
	Giver  Giver  `json:"giver"`
}

// Wire is the consent view exchanged inside instance handshakes. Each side
// sends its own local bits; the receiver merges them into the remote fields.
type Wire struct {
	IsRequesting bool `json:"isRequesting"`
	IsOffering   bool `json:"isOffering"`
}

// Apply returns the state after the operator action. It is pure and total:
// an action whose precondition does not hold returns the state unchanged.
// Callers may legitimately race against remote-driven changes, so an
// invalid transition is a no-op rather than an error.
func Apply(s State, a Action) State {
	if a.IsGetter() {
		s.Getter = applyGetter(s.Getter, a)
	} else {
		s.Giver = applyGiver(s.Giver, a)
	}
	return s
}

func applyGetter(g Getter, a Action) Getter {
	switch a {
	case Request:
		g.LocalRequestsAccessFromRemote = true
		g.IgnoringRemoteOffer = false
	case CancelRequest:
		if g.LocalRequestsAccessFromRemote {
			g.LocalRequestsAccessFromRemote = false
		}
	case IgnoreOffer:
		if g.RemoteGrantsAccessToLocal {
			g.IgnoringRemoteOffer = true
		}
	case UnignoreOffer:
		if g.IgnoringRemoteOffer {
			g.IgnoringRemoteOffer = false
		}
	}
	return g
}

func applyGiver(g Giver, a Action) Giver {
	switch a {
	case Offer:
		g.LocalGrantsAccessToRemote = true
		g.IgnoringRemoteRequest = false
	case CancelOffer:
		if g.LocalGrantsAccessToRemote {
			g.LocalGrantsAccessToRemote = false
		}
	case IgnoreRequest:
		if g.RemoteRequestsAccessFromLocal {
			g.IgnoringRemoteRequest = true
		}
	case UnignoreRequest:
		if g.IgnoringRemoteRequest {
			g.IgnoringRemoteRequest = false
		}
	}
	return g
}

// MergeRemote folds remote-asserted consent bits into the state. Only the
// remote fields change; local decisions are never overwritten by the peer.
// When the remote retracts an offer or request, a stale ignoring flag for it
// is cleared so a fresh offer surfaces again.
func MergeRemote(s State, w Wire) State {
	s.Getter.RemoteGrantsAccessToLocal = w.IsOffering
	if !w.IsOffering {
		s.Getter.IgnoringRemoteOffer = false
	}
	s.Giver.RemoteRequestsAccessFromLocal = w.IsRequesting
	if !w.IsRequesting {
		s.Giver.IgnoringRemoteRequest = false
	}
	return s
}

// WireView returns the local consent bits to publish in a handshake.
func (s State) WireView() Wire {
	return Wire{
		IsRequesting: s.Getter.LocalRequestsAccessFromRemote,
		IsOffering:   s.Giver.LocalGrantsAccessToRemote,
	}
}

// GetterGranted reports whether the local user may use the remote as a proxy.
func (s State) GetterGranted() bool {
	return s.Getter.LocalRequestsAccessFromRemote && s.Getter.RemoteGrantsAccessToLocal
}

// GiverGranted reports whether the remote may use the local node as a proxy.
func (s State) GiverGranted() bool {
	return s.Giver.LocalGrantsAccessToRemote && s.Giver.RemoteRequestsAccessFromLocal
}
