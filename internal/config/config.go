// Package config loads the nexus configuration: built-in defaults, then an
// optional YAML file, then NEXUS_* environment overrides, then the client
// secret from the OS keyring when requested.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// KeyringService is the service name client secrets are looked up under.
const KeyringService = "login-nexus"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverValkey = "valkey"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host      string `yaml:"host" env:"NEXUS_HOST"`
	Port      int    `yaml:"port" env:"NEXUS_PORT"`
	PublicURL string `yaml:"public_url" env:"NEXUS_PUBLIC_URL"`
	// APIKey protects /api routes. Empty disables the check.
	APIKey string `yaml:"api_key" env:"NEXUS_API_KEY"`
}

// StoreConfig selects the key/value backend for tokens and login metadata.
type StoreConfig struct {
	Driver     string `yaml:"driver" env:"NEXUS_STORE_DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"NEXUS_SQLITE_PATH"`
	ValkeyAddr string `yaml:"valkey_addr" env:"NEXUS_VALKEY_ADDR"`
}

// ProviderConfig describes the upstream OAuth provider.
type ProviderConfig struct {
	Name         string   `yaml:"name" env:"NEXUS_PROVIDER_NAME"`
	AuthURL      string   `yaml:"auth_url" env:"NEXUS_PROVIDER_AUTH_URL"`
	TokenURL     string   `yaml:"token_url" env:"NEXUS_PROVIDER_TOKEN_URL"`
	APIBaseURL   string   `yaml:"api_base_url" env:"NEXUS_PROVIDER_API_BASE_URL"`
	ClientID     string   `yaml:"client_id" env:"NEXUS_PROVIDER_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"NEXUS_PROVIDER_CLIENT_SECRET"`
	Scopes       []string `yaml:"scopes" env:"NEXUS_PROVIDER_SCOPES" envSeparator:","`

	// ClientSecretKeyring reads the client secret from the OS keyring
	// (service KeyringService, account ClientID) instead of the config.
	ClientSecretKeyring bool `yaml:"client_secret_keyring" env:"NEXUS_PROVIDER_CLIENT_SECRET_KEYRING"`

	// RefreshWindow is how long a refresh token stays usable after issuance.
	RefreshWindow time.Duration `yaml:"refresh_window" env:"NEXUS_PROVIDER_REFRESH_WINDOW"`
	HTTPTimeout   time.Duration `yaml:"http_timeout" env:"NEXUS_PROVIDER_HTTP_TIMEOUT"`
	// ExpirySkew treats access tokens expiring within this margin as expired.
	ExpirySkew time.Duration `yaml:"expiry_skew" env:"NEXUS_PROVIDER_EXPIRY_SKEW"`

	StateSecret string        `yaml:"state_secret" env:"NEXUS_PROVIDER_STATE_SECRET"`
	StateTTL    time.Duration `yaml:"state_ttl" env:"NEXUS_PROVIDER_STATE_TTL"`

	AccountsPath       string `yaml:"accounts_path" env:"NEXUS_PROVIDER_ACCOUNTS_PATH"`
	AccountNumbersPath string `yaml:"account_numbers_path" env:"NEXUS_PROVIDER_ACCOUNT_NUMBERS_PATH"`
}

// CacheConfig sets lifetimes of derived per-login cache entries.
type CacheConfig struct {
	AccountsTTL      time.Duration `yaml:"accounts_ttl" env:"NEXUS_CACHE_ACCOUNTS_TTL"`
	AccountHashesTTL time.Duration `yaml:"account_hashes_ttl" env:"NEXUS_CACHE_ACCOUNT_HASHES_TTL"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level" env:"NEXUS_LOG_LEVEL"`
	Format string `yaml:"format" env:"NEXUS_LOG_FORMAT"`
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Provider ProviderConfig `yaml:"provider"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns a configuration populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8080,
			PublicURL: "http://localhost:8080",
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "nexus.db",
			ValkeyAddr: "127.0.0.1:6379",
		},
		Provider: ProviderConfig{
			Name:               "schwab",
			AuthURL:            "https://api.schwabapi.com/v1/oauth/authorize",
			TokenURL:           "https://api.schwabapi.com/v1/oauth/token",
			APIBaseURL:         "https://api.schwabapi.com/trader/v1",
			Scopes:             []string{"readonly"},
			RefreshWindow:      7 * 24 * time.Hour,
			HTTPTimeout:        30 * time.Second,
			StateTTL:           10 * time.Minute,
			AccountsPath:       "/accounts",
			AccountNumbersPath: "/accounts/accountNumbers",
		},
		Cache: CacheConfig{
			AccountsTTL:      5 * time.Minute,
			AccountHashesTTL: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a path
// that does not exist is an error. '~' is expanded to the home directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get home directory to expand path")
		}
		path = filepath.Join(homeDir, path[1:])
	}

	// #nosec G304 -- path comes from the command line.
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file: %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file: %s", path)
	}
	return nil
}

func (c *Config) resolveSecrets() error {
	p := &c.Provider
	if !p.ClientSecretKeyring || p.ClientSecret != "" {
		return nil
	}
	if p.ClientID == "" {
		return errors.New("client_secret_keyring requires provider.client_id")
	}
	secret, err := keyring.Get(KeyringService, p.ClientID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return errors.Newf("no client secret in keyring for client %q", p.ClientID)
		}
		return errors.Wrap(err, "failed to read client secret from keyring")
	}
	p.ClientSecret = secret
	return nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverValkey:
	default:
		return errors.Newf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == DriverSQLite && c.Store.SQLitePath == "" {
		return errors.New("store.sqlite_path is required for the sqlite driver")
	}
	if c.Store.Driver == DriverValkey && c.Store.ValkeyAddr == "" {
		return errors.New("store.valkey_addr is required for the valkey driver")
	}

	p := c.Provider
	if p.Name == "" || strings.ContainsAny(p.Name, ":/ ") {
		return errors.Newf("provider.name %q must be a non-empty token", p.Name)
	}
	if p.ClientID == "" || p.ClientSecret == "" {
		return errors.New("provider.client_id and provider.client_secret are required")
	}
	if p.TokenURL == "" || p.AuthURL == "" || p.APIBaseURL == "" {
		return errors.New("provider.auth_url, provider.token_url and provider.api_base_url are required")
	}
	if len(p.StateSecret) < 16 {
		return errors.New("provider.state_secret must be at least 16 bytes")
	}
	if p.RefreshWindow <= 0 || p.HTTPTimeout <= 0 || p.StateTTL <= 0 {
		return errors.New("provider durations must be positive")
	}
	if p.ExpirySkew < 0 {
		return errors.New("provider.expiry_skew must not be negative")
	}
	return nil
}

// ListenAddr returns host:port for the HTTP listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// CallbackURL is the redirect URI registered with the provider.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth/provider/callback"
}
