package social

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lattice-proxy/lattice-proxy/internal/consent"
	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
)

// pendingName marks a user whose display name has not arrived yet, from
// either a roster profile or an instance handshake.
const pendingName = "pending"

// User reconciles the two event streams about one remote peer identity:
// client presence and instance handshakes. It owns the peer's
// RemoteInstances, the live client-presence table, and the bidirectional
// clientId <-> instanceId maps.
//
// Invariants: at most one live clientId per instanceId; a client appears in
// the maps only after a completed handshake; instance relationships outlive
// transient disconnects. All methods run on the Network's actor goroutine,
// so no two reconciliation steps for the same user ever interleave.
type User struct {
	log     *zap.Logger
	network *Network

	UserID string
	Name   string

	clientStatus     map[string]protocol.ClientStatus
	instances        map[string]*RemoteInstance
	clientToInstance map[string]string
	instanceToClient map[string]string
}

func newUser(n *Network, userID string) *User {
	return &User{
		log:              n.log.With(zap.String("userId", userID)),
		network:          n,
		UserID:           userID,
		Name:             pendingName,
		clientStatus:     make(map[string]protocol.ClientStatus),
		instances:        make(map[string]*RemoteInstance),
		clientToInstance: make(map[string]string),
		instanceToClient: make(map[string]string),
	}
}

// handleClient processes one presence event for this user.
func (u *User) handleClient(ctx context.Context, client protocol.ClientState) {
	if client.UserID != u.UserID {
		u.log.Error("presence event routed to wrong user",
			zap.String("eventUserId", client.UserID),
			zap.String("clientId", client.ClientID))
		return
	}
	u.network.metrics.RecordPresenceEvent()

	if status, known := u.clientStatus[client.ClientID]; known && status == client.Status {
		// Duplicate presence; transports re-emit ClientStates whenever only
		// the timestamp moved. Re-sending handshakes here would storm peers.
		u.log.Debug("client unchanged", zap.String("clientId", client.ClientID))
		return
	}

	switch client.Status {
	case protocol.StatusOnline:
		u.sendInstanceHandshake(ctx, client.ClientID)
		u.clientStatus[client.ClientID] = client.Status
	case protocol.StatusOnlineWithOtherApp:
		// The peer is connected with a client that does not speak this
		// protocol; never tracked, never handshaken.
		u.log.Debug("ignoring non-protocol client", zap.String("clientId", client.ClientID))
	case protocol.StatusOffline:
		// Clear presence bookkeeping only. Instance relationships and their
		// mappings survive transient disconnects; the next handshake from a
		// new clientId evicts the stale entry.
		delete(u.clientStatus, client.ClientID)
	default:
		u.log.Warn("presence event with invalid status",
			zap.String("clientId", client.ClientID),
			zap.Stringer("status", client.Status))
	}
}

// handleMessage routes one decoded envelope payload from clientId.
func (u *User) handleMessage(ctx context.Context, clientID string, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.InstanceHandshake:
		if err := u.syncInstance(ctx, clientID, m); err != nil {
			u.log.Error("instance sync failed",
				zap.String("clientId", clientID),
				zap.String("instanceId", m.InstanceID),
				zap.Error(err))
		}
	case protocol.InstanceRequest:
		u.log.Debug("instance handshake requested", zap.String("clientId", clientID))
		u.sendInstanceHandshake(ctx, clientID)
	case protocol.Signal:
		instanceID, ok := u.clientToInstance[clientID]
		if !ok {
			// Benign race: the peer started signalling before its handshake
			// was processed, or the message is stale.
			u.log.Warn("signal from client without handshake", zap.String("clientId", clientID))
			u.network.metrics.RecordDroppedSignal()
			return
		}
		u.instances[instanceID].HandleSignal(u.network.signals, m)
	default:
		u.log.Debug("dropping unhandled message", zap.String("clientId", clientID))
	}
}

// syncInstance reconciles an instance handshake received from clientId.
// Correct under duplicate and arbitrarily interleaved handshake/presence
// events: the maps converge to the most recently handshaken client per
// instance, and the instance record is created exactly once.
func (u *User) syncInstance(ctx context.Context, clientID string, h protocol.InstanceHandshake) error {
	instanceID := h.InstanceID

	if oldClientID, ok := u.instanceToClient[instanceID]; ok && oldClientID != clientID {
		// The peer reconnected under a new transient clientId; the old
		// client no longer owns this instance.
		delete(u.clientToInstance, oldClientID)
		u.network.metrics.RecordStaleClientEvicted()
		u.log.Debug("evicted stale client mapping",
			zap.String("instanceId", instanceID),
			zap.String("oldClientId", oldClientID),
			zap.String("clientId", clientID))
	}
	u.clientToInstance[clientID] = instanceID
	u.instanceToClient[instanceID] = clientID

	instance, ok := u.instances[instanceID]
	first := !ok
	if first {
		instance = newRemoteInstance(u.UserID, instanceID)
		u.instances[instanceID] = instance
	}
	instance.UpdateFromHandshake(h)

	// Networks that never deliver roster profiles still name users through
	// their handshakes.
	if u.Name == pendingName {
		if h.Name != "" {
			u.Name = h.Name
		} else if h.UserID != "" {
			u.Name = h.UserID
		}
	}
	if instance.UserName == "" && u.Name != pendingName {
		instance.UserName = u.Name
	}

	if err := u.network.saveInstance(ctx, instance); err != nil {
		return fmt.Errorf("persist instance %s: %w", instanceID, err)
	}
	u.network.metrics.RecordInstanceSync()

	// Consent acknowledgement policy is the caller's decision; the core
	// only reports what it observed.
	u.network.emitHandshake(HandshakeEvent{
		UserID:           u.UserID,
		InstanceID:       instanceID,
		ClientID:         clientID,
		First:            first,
		RemoteOffering:   h.Consent.IsOffering,
		RemoteRequesting: h.Consent.IsRequesting,
	})
	return nil
}

// sendInstanceHandshake publishes the local instance identity and current
// consent bits toward one client of this user.
func (u *User) sendInstanceHandshake(ctx context.Context, clientID string) {
	local := u.network.local
	msg := protocol.InstanceHandshake{
		InstanceID:  local.InstanceID,
		KeyHash:     local.KeyHash,
		Description: u.network.options.Description,
		Consent:     u.localWire(),
		Name:        local.Name,
		UserID:      local.UserID,
	}
	if err := u.network.send(ctx, clientID, msg); err != nil {
		u.log.Warn("failed to send instance handshake",
			zap.String("clientId", clientID), zap.Error(err))
		return
	}
	u.network.metrics.RecordHandshakeSent()
}

// localWire aggregates the local consent bits across this user's
// instances. Local actions apply to every instance, so the bits agree; the
// aggregate also covers the pre-handshake case where no instance exists yet.
func (u *User) localWire() consent.Wire {
	var w consent.Wire
	for _, instance := range u.instances {
		if instance.Consent.Getter.LocalRequestsAccessFromRemote {
			w.IsRequesting = true
		}
		if instance.Consent.Giver.LocalGrantsAccessToRemote {
			w.IsOffering = true
		}
	}
	return w
}

// modifyConsent applies a local operator action to every instance of this
// peer, persisting each change in order, then republishes handshakes to all
// online instances so the peer sees the new bits.
func (u *User) modifyConsent(ctx context.Context, action consent.Action) error {
	if len(u.instances) == 0 {
		return fmt.Errorf("no instances known for user %s", u.UserID)
	}

	changed := false
	for _, instanceID := range u.sortedInstanceIDs() {
		instance := u.instances[instanceID]
		if !instance.ModifyConsent(action) {
			continue
		}
		changed = true
		if err := u.network.saveInstance(ctx, instance); err != nil {
			return fmt.Errorf("persist consent for %s: %w", instanceID, err)
		}
	}
	if !changed {
		// Precondition unmet, e.g. the remote retracted its offer while the
		// operator clicked. Deliberately not an error.
		return nil
	}
	u.network.metrics.RecordConsentModified()

	for instanceID, clientID := range u.instanceToClient {
		if u.isInstanceOnline(instanceID) {
			u.sendInstanceHandshake(ctx, clientID)
		}
	}
	return nil
}

// monitor re-requests handshakes for online clients that never completed
// one. Recovery for lost handshakes is re-send, not timeout loops.
func (u *User) monitor(ctx context.Context) {
	for clientID, status := range u.clientStatus {
		if status != protocol.StatusOnline {
			continue
		}
		if _, ok := u.clientToInstance[clientID]; ok {
			continue
		}
		u.log.Warn("online client missing instance; requesting handshake",
			zap.String("clientId", clientID))
		if err := u.network.send(ctx, clientID, protocol.InstanceRequest{}); err != nil {
			u.log.Warn("failed to request instance", zap.String("clientId", clientID), zap.Error(err))
		}
	}
}

// resendInstanceHandshakes republishes the local handshake to every client
// currently mapped to an instance, e.g. after a transport reconnect.
func (u *User) resendInstanceHandshakes(ctx context.Context) {
	for _, clientID := range u.instanceToClient {
		u.sendInstanceHandshake(ctx, clientID)
	}
}

func (u *User) isInstanceOnline(instanceID string) bool {
	clientID, ok := u.instanceToClient[instanceID]
	if !ok {
		return false
	}
	return u.clientStatus[clientID] == protocol.StatusOnline
}

func (u *User) sortedInstanceIDs() []string {
	ids := make([]string, 0, len(u.instances))
	for id := range u.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (u *User) snapshot() UserSnapshot {
	snap := UserSnapshot{
		UserID:           u.UserID,
		Name:             u.Name,
		ClientStatus:     make(map[string]string, len(u.clientStatus)),
		ClientToInstance: make(map[string]string, len(u.clientToInstance)),
		InstanceToClient: make(map[string]string, len(u.instanceToClient)),
		Instances:        make(map[string]InstanceSnapshot, len(u.instances)),
	}
	for clientID, status := range u.clientStatus {
		snap.ClientStatus[clientID] = status.String()
	}
	for clientID, instanceID := range u.clientToInstance {
		snap.ClientToInstance[clientID] = instanceID
	}
	for instanceID, clientID := range u.instanceToClient {
		snap.InstanceToClient[instanceID] = clientID
	}
	for instanceID, instance := range u.instances {
		snap.Instances[instanceID] = InstanceSnapshot{
			InstanceID:  instance.InstanceID,
			KeyHash:     instance.KeyHash,
			Description: instance.Description,
			Consent:     instance.Consent,
			Online:      u.isInstanceOnline(instanceID),
		}
	}
	return snap
}
