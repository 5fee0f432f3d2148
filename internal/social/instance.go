package social

import (
	"github.com/lattice-proxy/lattice-proxy/internal/consent"
	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
)

// RemoteInstance is one stable device-level identity of a remote peer,
// established by an instance handshake and persisted for as long as the
// trust relationship lasts. Instances are never deleted automatically;
// only a full reset clears them.
//
// All mutation happens on the owning Network's actor goroutine.
type RemoteInstance struct {
	UserID      string
	UserName    string
	InstanceID  string
	KeyHash     string
	Description string
	Consent     consent.State
}

func newRemoteInstance(userID, instanceID string) *RemoteInstance {
	return &RemoteInstance{
		UserID:     userID,
		InstanceID: instanceID,
	}
}

// UpdateFromHandshake merges remote-asserted fields from a (possibly
// duplicate) handshake. Only the remote consent bits change; local consent
// decisions are untouched. Idempotent for identical payloads.
func (ri *RemoteInstance) UpdateFromHandshake(h protocol.InstanceHandshake) {
	if h.KeyHash != "" {
		ri.KeyHash = h.KeyHash
	}
	ri.Description = h.Description
	if h.Name != "" {
		ri.UserName = h.Name
	}
	ri.Consent = consent.MergeRemote(ri.Consent, h.Consent)
}

// ModifyConsent applies a local operator action to the consent state and
// reports whether anything changed. Persistence is the caller's job so the
// save can be awaited before the next mutation.
func (ri *RemoteInstance) ModifyConsent(action consent.Action) bool {
	next := consent.Apply(ri.Consent, action)
	if next == ri.Consent {
		return false
	}
	ri.Consent = next
	return true
}

// HandleSignal forwards an opaque data-plane signal to the sink, if any.
func (ri *RemoteInstance) HandleSignal(sink SignalSink, sig protocol.Signal) {
	if sink == nil {
		return
	}
	sink.HandleSignal(ri.UserID, ri.InstanceID, sig)
}

// instanceRecord is the persisted shape under "instance/<instanceId>".
type instanceRecord struct {
	InstanceID  string        `json:"instanceId"`
	KeyHash     string        `json:"keyHash"`
	Description string        `json:"description"`
	Consent     consent.State `json:"consent"`
	RosterInfo  rosterInfo    `json:"rosterInfo"`
}

type rosterInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

func (ri *RemoteInstance) record() instanceRecord {
	return instanceRecord{
		InstanceID:  ri.InstanceID,
		KeyHash:     ri.KeyHash,
		Description: ri.Description,
		Consent:     ri.Consent,
		RosterInfo: rosterInfo{
			UserID: ri.UserID,
			Name:   ri.UserName,
		},
	}
}

func instanceFromRecord(rec instanceRecord) *RemoteInstance {
	return &RemoteInstance{
		UserID:      rec.RosterInfo.UserID,
		UserName:    rec.RosterInfo.Name,
		InstanceID:  rec.InstanceID,
		KeyHash:     rec.KeyHash,
		Description: rec.Description,
		Consent:     rec.Consent,
	}
}
