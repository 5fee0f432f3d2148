// Command relay runs a development chat hub: a stand-in for a real social
// network that fans presence out to connected clients and routes message
// envelopes between them. It implements just enough of a chat channel to
// exercise two or more nodes end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lattice-proxy/lattice-proxy/internal/logging"
	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
	"github.com/lattice-proxy/lattice-proxy/internal/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8472", "Listen address for the relay hub")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := newHub(logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay hub listening", zap.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("relay hub exited", zap.Error(err))
	}
	logger.Info("relay hub stopped")
}

var upgrader = websocket.Upgrader{
	// Development hub; the real social transport terminates its own auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

type member struct {
	userID   string
	clientID string
	name     string

	mu   sync.Mutex
	conn *websocket.Conn
}

func (m *member) write(frame transport.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.WriteJSON(frame)
}

type hub struct {
	log *zap.Logger

	mu      sync.Mutex
	members map[string]*member // by clientID
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		log:     log,
		members: make(map[string]*member),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	userID := q.Get("user")
	clientID := q.Get("client")
	if userID == "" || clientID == "" {
		http.Error(w, "user and client query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	m := &member{
		userID:   userID,
		clientID: clientID,
		name:     q.Get("name"),
		conn:     conn,
	}
	h.join(m)
	defer h.leave(m)

	for {
		var frame transport.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("member read ended", zap.String("clientId", clientID), zap.Error(err))
			}
			return
		}
		if frame.Kind != transport.FrameKindMessage || frame.Message == nil {
			h.log.Debug("dropping unsupported frame", zap.String("kind", frame.Kind))
			continue
		}
		h.route(m, frame)
	}
}

// join registers the member, tells it who is already online, and announces
// it to everyone else.
func (h *hub) join(m *member) {
	h.mu.Lock()
	if old, ok := h.members[m.clientID]; ok {
		// A reconnect with the same clientId replaces the previous socket.
		old.conn.Close()
	}
	h.members[m.clientID] = m
	peers := h.peersOf(m)
	h.mu.Unlock()

	h.log.Info("member joined",
		zap.String("userId", m.userID),
		zap.String("clientId", m.clientID))

	now := time.Now().UnixMilli()
	for _, peer := range peers {
		h.sendPresence(m, peer, protocol.StatusOnline, now)
		h.sendPresence(peer, m, protocol.StatusOnline, now)
	}
}

func (h *hub) leave(m *member) {
	h.mu.Lock()
	if current, ok := h.members[m.clientID]; !ok || current != m {
		h.mu.Unlock()
		return
	}
	delete(h.members, m.clientID)
	peers := h.peersOf(m)
	h.mu.Unlock()

	h.log.Info("member left",
		zap.String("userId", m.userID),
		zap.String("clientId", m.clientID))

	now := time.Now().UnixMilli()
	for _, peer := range peers {
		h.sendPresence(peer, m, protocol.StatusOffline, now)
	}
	m.conn.Close()
}

// peersOf returns every other member. Callers hold h.mu.
func (h *hub) peersOf(m *member) []*member {
	peers := make([]*member, 0, len(h.members))
	for _, peer := range h.members {
		if peer.clientID != m.clientID {
			peers = append(peers, peer)
		}
	}
	return peers
}

// sendPresence tells `to` about the state of `about`.
func (h *hub) sendPresence(to, about *member, status protocol.ClientStatus, ts int64) {
	frame := transport.Frame{
		Kind: transport.FrameKindPresence,
		Presence: &protocol.ClientState{
			UserID:    about.userID,
			ClientID:  about.clientID,
			Status:    status,
			Timestamp: ts,
		},
	}
	if err := to.write(frame); err != nil {
		h.log.Debug("presence write failed",
			zap.String("to", to.clientID), zap.Error(err))
	}
}

// route delivers a message frame to its target client, stamping the sender
// identity so members cannot spoof each other.
func (h *hub) route(from *member, frame transport.Frame) {
	frame.Message.FromUserID = from.userID
	frame.Message.FromClientID = from.clientID

	target := frame.To
	if target == "" {
		target = frame.Message.ToClientID
	}
	h.mu.Lock()
	to, ok := h.members[target]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("dropping message for unknown client",
			zap.String("to", target),
			zap.String("from", from.clientID))
		return
	}
	if err := to.write(frame); err != nil {
		h.log.Debug("message write failed", zap.String("to", target), zap.Error(err))
	}
}
