package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default tuning values applied when the config file omits them.
const (
	DefaultBackoffInitial = 2 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultPageSize       = 50
)

// Config represents the global ~/.chirp/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Identity  IdentityConfig  `toml:"identity"`
	Transport TransportConfig `toml:"transport"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Push      PushConfig      `toml:"push"`
	Sync      SyncConfig      `toml:"sync"`
}

// IdentityConfig names the signed-in user. Token issuance itself happens
// outside this process; the daemon only needs to know who it acts as.
type IdentityConfig struct {
	UserID string `toml:"user_id"`
}

// TransportConfig holds the real-time server connection settings.
type TransportConfig struct {
	Address        string   `toml:"address"`
	AuthToken      string   `toml:"auth_token"`
	TLS            bool     `toml:"tls"`
	BackoffInitial duration `toml:"backoff_initial"`
	BackoffMax     duration `toml:"backoff_max"`
}

// MetricsConfig holds the prometheus exposition settings. An empty listen
// address disables the listener.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PushConfig holds the notification publisher settings. An empty URL
// disables the publisher.
type PushConfig struct {
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

// SyncConfig holds message sync tuning.
type SyncConfig struct {
	WriteTimeout duration `toml:"write_timeout"`
	PageSize     int      `toml:"page_size"`
}

// duration wraps time.Duration for TOML "30s"-style values.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads config from the given path and applies defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.Transport.BackoffInitial.Duration <= 0 {
		c.Transport.BackoffInitial.Duration = DefaultBackoffInitial
	}
	if c.Transport.BackoffMax.Duration <= 0 {
		c.Transport.BackoffMax.Duration = DefaultBackoffMax
	}
	if c.Sync.WriteTimeout.Duration <= 0 {
		c.Sync.WriteTimeout.Duration = DefaultWriteTimeout
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = DefaultPageSize
	}
	if c.Push.Exchange == "" {
		c.Push.Exchange = "chirp.push"
	}
}
