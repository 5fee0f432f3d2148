// Package social implements the consent/reconciliation core: per-peer
// consent state, the User aggregate that converges presence and handshake
// events into a stable instanceId <-> clientId mapping, and the envelope
// dispatch that feeds both.
package social

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lattice-proxy/lattice-proxy/internal/consent"
	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
	"github.com/lattice-proxy/lattice-proxy/internal/storage"
	"github.com/lattice-proxy/lattice-proxy/internal/transport"
)

// SignalSink receives opaque data-plane signalling payloads for an
// instance. Implemented by the proxy data plane, out of scope here.
type SignalSink interface {
	HandleSignal(userID, instanceID string, sig protocol.Signal)
}

// HandshakeEvent reports one observed instance handshake. First is set when
// the instance was created by this handshake; the caller decides whether to
// answer a first offer with a consent acknowledgement.
type HandshakeEvent struct {
	UserID           string
	InstanceID       string
	ClientID         string
	First            bool
	RemoteOffering   bool
	RemoteRequesting bool
}

// EventSink receives reconciliation events the core does not act on itself.
type EventSink interface {
	HandshakeObserved(ev HandshakeEvent)
}

// Config wires the Network's collaborators.
type Config struct {
	Log     *zap.Logger
	Store   storage.Store
	Metrics *Metrics
	Sender  transport.Sender
	Signals SignalSink
	Events  EventSink
	Local   LocalPeer
	Options Options
}

// Network owns all Users for the local account on one social channel and
// serializes every mutation through a single actor goroutine: inbound
// presence and message events enqueue, operator commands enqueue and wait.
// That single-consumer queue is what makes the per-user reconciliation
// logic safe without locks and keeps per-peer processing in receipt order.
type Network struct {
	log     *zap.Logger
	store   storage.Store
	metrics *Metrics
	sender  transport.Sender
	signals SignalSink
	events  EventSink
	local   LocalPeer
	options Options

	users map[string]*User

	tasks   chan task
	stopped chan struct{}
}

type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

// ErrStopped is returned for commands issued after Run has exited.
var ErrStopped = errors.New("social: network stopped")

// New constructs a Network. Run must be started before the public event and
// command methods will make progress.
func New(cfg Config) (*Network, error) {
	if cfg.Store == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("transport sender is required")
	}
	if cfg.Local.InstanceID == "" {
		return nil, errors.New("local instance id is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Network{
		log:     cfg.Log,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		sender:  cfg.Sender,
		signals: cfg.Signals,
		events:  cfg.Events,
		local:   cfg.Local,
		options: cfg.Options,
		users:   make(map[string]*User),
		tasks:   make(chan task, 256),
		stopped: make(chan struct{}),
	}, nil
}

// Load restores persisted instances and rebuilds the User table from their
// roster info. Call once before Run.
func (n *Network) Load(ctx context.Context) error {
	var instanceIDs []string
	err := n.store.Load(ctx, storage.KeyInstanceIndex, &instanceIDs)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load instance index: %w", err)
	}

	for _, instanceID := range instanceIDs {
		var rec instanceRecord
		if err := n.store.Load(ctx, storage.InstanceKey(instanceID), &rec); err != nil {
			// Treat the instance as not-yet-known; the next handshake
			// recreates it.
			n.log.Warn("skipping unloadable instance record",
				zap.String("instanceId", instanceID), zap.Error(err))
			continue
		}
		if rec.RosterInfo.UserID == "" {
			n.log.Warn("instance record missing roster info", zap.String("instanceId", instanceID))
			continue
		}
		user := n.ensureUser(rec.RosterInfo.UserID)
		user.instances[rec.InstanceID] = instanceFromRecord(rec)
		if user.Name == pendingName && rec.RosterInfo.Name != "" {
			user.Name = rec.RosterInfo.Name
		}
	}
	n.metrics.SetKnownUsers(len(n.users))
	n.log.Info("restored persisted state",
		zap.Int("instances", len(instanceIDs)),
		zap.Int("users", len(n.users)))
	return nil
}

// Run drains the event queue until ctx is cancelled. All reconciliation and
// consent mutation happens on this goroutine.
func (n *Network) Run(ctx context.Context) {
	defer close(n.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-n.tasks:
			err := t.fn(ctx)
			if t.done != nil {
				t.done <- err
			}
		}
	}
}

// post enqueues work for the actor goroutine.
func (n *Network) post(fn func(ctx context.Context) error, done chan error) {
	select {
	case <-n.stopped:
		if done != nil {
			done <- ErrStopped
		}
		return
	default:
	}
	select {
	case n.tasks <- task{fn: fn, done: done}:
	case <-n.stopped:
		if done != nil {
			done <- ErrStopped
		}
	}
}

// command enqueues fn and waits for its result. A task can be enqueued and
// then orphaned by shutdown, so the wait also watches the stopped channel.
func (n *Network) command(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	n.post(fn, done)
	select {
	case err := <-done:
		return err
	case <-n.stopped:
		select {
		case err := <-done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleClientState ingests a presence event from the transport.
func (n *Network) HandleClientState(cs protocol.ClientState) {
	n.post(func(ctx context.Context) error {
		n.handleClientState(ctx, cs)
		return nil
	}, nil)
}

// HandleEnvelope ingests a message envelope from the transport.
func (n *Network) HandleEnvelope(env protocol.Envelope) {
	n.post(func(ctx context.Context) error {
		n.handleEnvelope(ctx, env)
		return nil
	}, nil)
}

// ModifyConsent applies a local operator action toward userID. It returns
// only after the new state is durably persisted; callers must not assume
// durability earlier.
func (n *Network) ModifyConsent(ctx context.Context, userID string, action consent.Action) error {
	return n.command(ctx, func(ctx context.Context) error {
		user, ok := n.users[userID]
		if !ok {
			return fmt.Errorf("unknown user %s", userID)
		}
		return user.modifyConsent(ctx, action)
	})
}

// Monitor requests handshakes for online clients that never completed one.
func (n *Network) Monitor() {
	n.post(func(ctx context.Context) error {
		for _, user := range n.users {
			user.monitor(ctx)
		}
		return nil
	}, nil)
}

// ResendInstanceHandshakes republishes local handshakes to all mapped
// clients, e.g. after the transport reconnects.
func (n *Network) ResendInstanceHandshakes() {
	n.post(func(ctx context.Context) error {
		for _, user := range n.users {
			user.resendInstanceHandshakes(ctx)
		}
		return nil
	}, nil)
}

// Reset clears storage and all in-memory peer state.
func (n *Network) Reset(ctx context.Context) error {
	return n.command(ctx, func(ctx context.Context) error {
		if err := n.store.Reset(ctx); err != nil {
			return fmt.Errorf("reset storage: %w", err)
		}
		n.users = make(map[string]*User)
		n.metrics.SetKnownUsers(0)
		return nil
	})
}

// UserSnapshot is a read-only view of one peer's reconciliation state.
type UserSnapshot struct {
	UserID           string                      `json:"userId"`
	Name             string                      `json:"name"`
	ClientStatus     map[string]string           `json:"clientStatus"`
	ClientToInstance map[string]string           `json:"clientToInstance"`
	InstanceToClient map[string]string           `json:"instanceToClient"`
	Instances        map[string]InstanceSnapshot `json:"instances"`
}

// InstanceSnapshot is a read-only view of one remote instance.
type InstanceSnapshot struct {
	InstanceID  string        `json:"instanceId"`
	KeyHash     string        `json:"keyHash"`
	Description string        `json:"description"`
	Consent     consent.State `json:"consent"`
	Online      bool          `json:"online"`
}

// Peer returns a snapshot of one user's state.
func (n *Network) Peer(ctx context.Context, userID string) (UserSnapshot, error) {
	var snap UserSnapshot
	err := n.command(ctx, func(context.Context) error {
		user, ok := n.users[userID]
		if !ok {
			return fmt.Errorf("unknown user %s", userID)
		}
		snap = user.snapshot()
		return nil
	})
	return snap, err
}

// Peers returns snapshots for every known user, sorted by userId.
func (n *Network) Peers(ctx context.Context) ([]UserSnapshot, error) {
	var snaps []UserSnapshot
	err := n.command(ctx, func(context.Context) error {
		ids := make([]string, 0, len(n.users))
		for id := range n.users {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snaps = make([]UserSnapshot, 0, len(ids))
		for _, id := range ids {
			snaps = append(snaps, n.users[id].snapshot())
		}
		return nil
	})
	return snaps, err
}

// LocalInstanceID returns the stable local instance identifier.
func (n *Network) LocalInstanceID() string {
	return n.local.InstanceID
}

// actor-confined internals

func (n *Network) handleClientState(ctx context.Context, cs protocol.ClientState) {
	if cs.UserID == "" || cs.ClientID == "" {
		n.log.Warn("presence event missing identifiers")
		return
	}
	if cs.UserID == n.local.UserID && cs.ClientID == n.local.ClientID {
		n.log.Debug("ignoring own presence echo")
		return
	}
	n.ensureUser(cs.UserID).handleClient(ctx, cs)
}

func (n *Network) handleEnvelope(ctx context.Context, env protocol.Envelope) {
	if env.FromUserID == "" || env.FromClientID == "" {
		n.log.Warn("envelope missing sender identifiers", zap.String("type", string(env.Type)))
		return
	}
	msg, err := protocol.Decode(env)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			// Forward compatibility: newer peers may speak types this
			// build does not know.
			n.log.Debug("dropping envelope of unknown type", zap.String("type", string(env.Type)))
			n.metrics.RecordDroppedUnknown()
			return
		}
		n.log.Warn("failed to decode envelope",
			zap.String("type", string(env.Type)),
			zap.String("fromUserId", env.FromUserID),
			zap.Error(err))
		return
	}
	// A peer can message before any presence event about them arrives.
	n.ensureUser(env.FromUserID).handleMessage(ctx, env.FromClientID, msg)
}

func (n *Network) ensureUser(userID string) *User {
	if user, ok := n.users[userID]; ok {
		return user
	}
	user := newUser(n, userID)
	n.users[userID] = user
	n.metrics.SetKnownUsers(len(n.users))
	n.log.Debug("tracking new user", zap.String("userId", userID))
	return user
}

// send wraps a typed message into an envelope stamped with the local sender
// identity and hands it to the transport.
func (n *Network) send(ctx context.Context, clientID string, msg protocol.Message) error {
	env, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	env.FromUserID = n.local.UserID
	env.FromClientID = n.local.ClientID
	env.ToClientID = clientID
	return n.sender.Send(ctx, clientID, env)
}

// saveInstance persists one instance record and rewrites the instance index
// so removed ids fall out. Saves for a given instance are ordered because
// they only ever run on the actor goroutine and are awaited in place.
func (n *Network) saveInstance(ctx context.Context, instance *RemoteInstance) error {
	if err := n.store.Save(ctx, storage.InstanceKey(instance.InstanceID), instance.record()); err != nil {
		return err
	}
	var ids []string
	for _, user := range n.users {
		for id := range user.instances {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return n.store.Save(ctx, storage.KeyInstanceIndex, ids)
}

func (n *Network) emitHandshake(ev HandshakeEvent) {
	if n.events == nil {
		return
	}
	n.events.HandshakeObserved(ev)
}
