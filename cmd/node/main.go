package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lattice-proxy/lattice-proxy/internal/config"
	"github.com/lattice-proxy/lattice-proxy/internal/consent"
	"github.com/lattice-proxy/lattice-proxy/internal/logging"
	"github.com/lattice-proxy/lattice-proxy/internal/protocol"
	"github.com/lattice-proxy/lattice-proxy/internal/social"
	"github.com/lattice-proxy/lattice-proxy/internal/storage"
	"github.com/lattice-proxy/lattice-proxy/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}

	me, err := social.EnsureLocalPeer(ctx, store, cfg.Social.UserID, cfg.Social.Name)
	if err != nil {
		logger.Fatal("ensure local identity", zap.Error(err))
	}
	me.ClientID = cfg.Social.UserID + "/" + uuid.NewString()[:8]

	opts, err := social.EnsureOptions(ctx, store, social.Options{
		Description:      cfg.Social.Description,
		AutoAcceptOffers: cfg.Social.AutoAcceptOffers,
	})
	if err != nil {
		logger.Fatal("ensure options", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := social.NewMetrics(reg)

	node := &nodeRuntime{log: logger, options: opts}

	relay, err := transport.NewRelayClient(transport.RelayClientConfig{
		Log:      logger.Named("relay"),
		URL:      cfg.Relay.URL,
		UserID:   me.UserID,
		ClientID: me.ClientID,
		Name:     me.Name,
		Handler:  node,
		OnConnect: func() {
			node.network.ResendInstanceHandshakes()
		},
	})
	if err != nil {
		logger.Fatal("init relay client", zap.Error(err))
	}

	network, err := social.New(social.Config{
		Log:     logger.Named("social"),
		Store:   store,
		Metrics: metrics,
		Sender:  relay,
		Events:  node,
		Local:   me,
		Options: opts,
	})
	if err != nil {
		logger.Fatal("init social network", zap.Error(err))
	}
	node.network = network

	if err := network.Load(ctx); err != nil {
		logger.Fatal("restore persisted state", zap.Error(err))
	}

	admin := startAdminServer(cfg, logger, reg, network, relay)

	go network.Run(ctx)
	go monitorLoop(ctx, cfg.Social.MonitorInterval, network)

	logger.Info("node started",
		zap.String("userId", me.UserID),
		zap.String("instanceId", me.InstanceID),
		zap.String("relay", cfg.Relay.URL))

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay client exited", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	logger.Info("node stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemStore(), nil
	case "sqlite":
		return storage.OpenSQLStore(cfg.Storage.Path)
	case "file":
		passphrase, err := cfg.Passphrase()
		if err != nil {
			return nil, err
		}
		fs := storage.NewFileStore(cfg.Storage.Path)
		if err := fs.Unlock(ctx, passphrase); err != nil {
			if !errors.Is(err, storage.ErrNotInitialized) {
				return nil, err
			}
			if err := fs.Initialize(ctx, passphrase); err != nil {
				return nil, err
			}
			logger.Info("initialized new store", zap.String("path", fs.Path()))
			return fs, nil
		}
		logger.Info("store unlocked", zap.String("path", fs.Path()))
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// nodeRuntime bridges transport callbacks and reconciliation events to the
// network, and applies the local consent-acknowledgement policy.
type nodeRuntime struct {
	log     *zap.Logger
	network *social.Network
	options social.Options
}

func (r *nodeRuntime) HandleClientState(cs protocol.ClientState) { r.network.HandleClientState(cs) }

func (r *nodeRuntime) HandleEnvelope(env protocol.Envelope) { r.network.HandleEnvelope(env) }

// HandshakeObserved answers a first offer with a request when the operator
// opted into auto-accepting offers.
func (r *nodeRuntime) HandshakeObserved(ev social.HandshakeEvent) {
	r.log.Info("handshake observed",
		zap.String("userId", ev.UserID),
		zap.String("instanceId", ev.InstanceID),
		zap.Bool("first", ev.First),
		zap.Bool("remoteOffering", ev.RemoteOffering),
		zap.Bool("remoteRequesting", ev.RemoteRequesting))

	if !r.options.AutoAcceptOffers || !ev.First || !ev.RemoteOffering {
		return
	}
	// Events fire on the network's actor goroutine; acknowledge from a
	// separate one so the command can be enqueued.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.network.ModifyConsent(ctx, ev.UserID, consent.Request); err != nil {
			r.log.Warn("auto-accept failed", zap.String("userId", ev.UserID), zap.Error(err))
		}
	}()
}

func startAdminServer(cfg config.Config, logger *zap.Logger, reg *prometheus.Registry, network *social.Network, relay *transport.RelayClient) *http.Server {
	if cfg.Admin.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !relay.Connected() {
			http.Error(w, "relay disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/peers", func(w http.ResponseWriter, req *http.Request) {
		snaps, err := network.Peers(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snaps)
	})
	mux.HandleFunc("/consent", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			UserID string `json:"userId"`
			Action string `json:"action"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		action, err := consent.ParseAction(body.Action)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := network.ModifyConsent(req.Context(), body.UserID, action); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Admin.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server stopped", zap.Error(err))
		}
	}()
	logger.Info("admin server listening", zap.String("address", cfg.Admin.Address))
	return srv
}

func monitorLoop(ctx context.Context, interval time.Duration, network *social.Network) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			network.Monitor()
		}
	}
}
