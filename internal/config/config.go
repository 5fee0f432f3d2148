package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig   `mapstructure:"admin"`
	Storage             StorageConfig `mapstructure:"storage"`
	Relay               RelayConfig   `mapstructure:"relay"`
	Social              SocialConfig  `mapstructure:"social"`
}

// AdminConfig describes the local admin/metrics HTTP endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"` // file, sqlite, or memory
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// RelayConfig points at the chat relay carrying presence and envelopes.
type RelayConfig struct {
	URL string `mapstructure:"url"`
}

// SocialConfig holds the local identity presented to peers.
type SocialConfig struct {
	UserID           string        `mapstructure:"user_id"`
	Name             string        `mapstructure:"name"`
	Description      string        `mapstructure:"description"`
	AutoAcceptOffers bool          `mapstructure:"auto_accept_offers"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
}

const (
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "127.0.0.1:9464"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultStorageBackend      = "file"
	defaultStoragePath         = "data/lattice.store"
	defaultPassphraseEnv       = "LATTICE_STORE_PASSPHRASE"
	defaultRelayURL            = "ws://127.0.0.1:8472/ws"
	defaultMonitorInterval     = 30 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with LATTICE_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LATTICE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("storage.backend", defaultStorageBackend)
	v.SetDefault("storage.path", defaultStoragePath)
	v.SetDefault("storage.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("relay.url", defaultRelayURL)
	// Registering empty defaults makes these keys visible to AutomaticEnv
	// during Unmarshal.
	v.SetDefault("social.user_id", "")
	v.SetDefault("social.name", "")
	v.SetDefault("social.description", "")
	v.SetDefault("social.auto_accept_offers", false)
	v.SetDefault("social.monitor_interval", defaultMonitorInterval.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout, defaultReadHeaderTimeout},
		{"social.monitor_interval", &cfg.Social.MonitorInterval, defaultMonitorInterval},
	} {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = dur
		} else {
			*d.dst = d.def
		}
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	switch cfg.Storage.Backend {
	case "file", "sqlite", "memory":
	case "":
		cfg.Storage.Backend = defaultStorageBackend
	default:
		return Config{}, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath
	}
	if cfg.Storage.PassphraseEnv == "" {
		cfg.Storage.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = defaultRelayURL
	}
	if cfg.Social.UserID == "" {
		return Config{}, fmt.Errorf("social.user_id is required")
	}

	return cfg, nil
}

// Passphrase fetches the storage passphrase from the configured
// environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Storage.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("storage passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
