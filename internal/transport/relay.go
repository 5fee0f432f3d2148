package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
)

// RelayClientConfig wires a websocket relay client.
type RelayClientConfig struct {
	Log      *zap.Logger
	URL      string // ws:// or wss:// endpoint of the relay hub
	UserID   string
	ClientID string
	Name     string
	Handler  Handler
	// OnConnect fires after every successful (re)connect, once the client
	// is registered with the hub. Used to re-announce instance handshakes.
	OnConnect func()
}

// RelayClient connects to the development relay hub and bridges its frames
// to the social core. Reconnects with jittered exponential backoff; the
// social layer's handshake re-send is the recovery for anything lost while
// disconnected.
type RelayClient struct {
	cfg RelayClientConfig
	log *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// ErrNotConnected is returned by Send while the relay link is down.
var ErrNotConnected = errors.New("transport: relay not connected")

// NewRelayClient validates the config and builds a client.
func NewRelayClient(cfg RelayClientConfig) (*RelayClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay url is required")
	}
	if cfg.UserID == "" || cfg.ClientID == "" {
		return nil, errors.New("relay user and client ids are required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("relay handler is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &RelayClient{cfg: cfg, log: cfg.Log}, nil
}

// Run dials the hub and pumps frames until ctx is cancelled.
func (c *RelayClient) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Jitter: true,
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			wait := b.Duration()
			c.log.Warn("relay dial failed",
				zap.String("url", c.cfg.URL),
				zap.Duration("retryIn", wait),
				zap.Error(err))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		b.Reset()

		c.setConn(conn)
		c.log.Info("relay connected", zap.String("url", c.cfg.URL))
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("relay connection lost", zap.Error(err))
	}
}

func (c *RelayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", c.cfg.UserID)
	q.Set("client", c.cfg.ClientID)
	if c.cfg.Name != "" {
		q.Set("name", c.cfg.Name)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func (c *RelayClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Kind {
		case FrameKindPresence:
			if frame.Presence != nil {
				c.cfg.Handler.HandleClientState(*frame.Presence)
			}
		case FrameKindMessage:
			if frame.Message != nil {
				c.cfg.Handler.HandleEnvelope(*frame.Message)
			}
		default:
			c.log.Debug("dropping relay frame of unknown kind", zap.String("kind", frame.Kind))
		}
	}
}

func (c *RelayClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connected reports whether the relay link is currently up.
func (c *RelayClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send routes an envelope through the hub to the target client. Writes are
// serialized; gorilla/websocket allows only one concurrent writer.
func (c *RelayClient) Send(ctx context.Context, clientID string, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	frame := Frame{
		Kind:    FrameKindMessage,
		To:      clientID,
		Message: &env,
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}
