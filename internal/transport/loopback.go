package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
)

// Loopback joins multiple in-process nodes into one social channel. It
// fans presence out on join and leave and routes envelopes by clientId,
// standing in for a real chat network in tests.
type Loopback struct {
	mu    sync.Mutex
	nodes map[string]*LoopbackNode // by clientID
}

// LoopbackNode is one endpoint on the loopback channel. It implements
// Sender for the node that joined with it.
type LoopbackNode struct {
	hub      *Loopback
	userID   string
	clientID string
	handler  Handler
}

// NewLoopback builds an empty loopback channel.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]*LoopbackNode)}
}

// Join registers a node under (userID, clientID). Existing members learn
// the newcomer is online and vice versa, mirroring a roster presence burst
// after login.
func (l *Loopback) Join(userID, clientID string, h Handler) *LoopbackNode {
	node := &LoopbackNode{hub: l, userID: userID, clientID: clientID, handler: h}

	l.mu.Lock()
	peers := make([]*LoopbackNode, 0, len(l.nodes))
	for _, peer := range l.nodes {
		peers = append(peers, peer)
	}
	l.nodes[clientID] = node
	l.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, peer := range peers {
		peer.handler.HandleClientState(protocol.ClientState{
			UserID:    userID,
			ClientID:  clientID,
			Status:    protocol.StatusOnline,
			Timestamp: now,
		})
		node.handler.HandleClientState(protocol.ClientState{
			UserID:    peer.userID,
			ClientID:  peer.clientID,
			Status:    protocol.StatusOnline,
			Timestamp: now,
		})
	}
	return node
}

// Leave removes a node and announces it offline to the remaining members.
func (l *Loopback) Leave(clientID string) {
	l.mu.Lock()
	node, ok := l.nodes[clientID]
	if ok {
		delete(l.nodes, clientID)
	}
	peers := make([]*LoopbackNode, 0, len(l.nodes))
	for _, peer := range l.nodes {
		peers = append(peers, peer)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now().UnixMilli()
	for _, peer := range peers {
		peer.handler.HandleClientState(protocol.ClientState{
			UserID:    node.userID,
			ClientID:  node.clientID,
			Status:    protocol.StatusOffline,
			Timestamp: now,
		})
	}
}

// Send delivers an envelope to the target client's handler.
func (n *LoopbackNode) Send(ctx context.Context, clientID string, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.hub.mu.Lock()
	target, ok := n.hub.nodes[clientID]
	n.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: no client %s", clientID)
	}
	target.handler.HandleEnvelope(env)
	return nil
}
