// Package config loads engine configuration from a YAML file with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the collaboration engine.
type Config struct {
	// ListenAddr is the address the websocket server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the sqlite databases (document store, offline queue).
	DataDir string `yaml:"data_dir"`

	// JWTSecret verifies bearer tokens. JWTSecretEnv, when set, names an
	// environment variable that overrides it so the secret stays out of
	// config files.
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Presence PresenceConfig `yaml:"presence"`
	Locks    LockConfig     `yaml:"locks"`
	Queue    QueueConfig    `yaml:"queue"`
}

// PresenceConfig tunes heartbeat-based liveness.
type PresenceConfig struct {
	// IdleAfter moves a user from online to away when no heartbeat
	// arrives within the window.
	IdleAfter time.Duration `yaml:"idle_after"`
	// SweepInterval is how often the idle sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// TypingTTL auto-clears a typing flag when no stop or further
	// heartbeat arrives.
	TypingTTL time.Duration `yaml:"typing_ttl"`
}

// LockConfig tunes section locking.
type LockConfig struct {
	// TTL is the lifetime of a granted lock.
	TTL time.Duration `yaml:"ttl"`
}

// QueueConfig tunes the client-resident offline mutation queue.
type QueueConfig struct {
	// MaxRetries is the retry ceiling before an item is marked failed.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the base delay; retry n waits base * 2^n.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffCap bounds the exponent so delays stop growing.
	BackoffCap int `yaml:"backoff_cap"`
	// Resolution is the conflict strategy: client-wins, server-wins, manual.
	Resolution string `yaml:"resolution"`
	// MaxItems bounds the queue size.
	MaxItems int `yaml:"max_items"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		DataDir:    "./data",
		LogLevel:   "info",
		Presence: PresenceConfig{
			IdleAfter:     90 * time.Second,
			SweepInterval: 15 * time.Second,
			TypingTTL:     6 * time.Second,
		},
		Locks: LockConfig{
			TTL: 30 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:  3,
			BackoffBase: 2 * time.Second,
			BackoffCap:  6,
			Resolution:  "manual",
			MaxItems:    1000,
		},
	}
}

// Load reads the config file at path, applying defaults for absent fields
// and environment overrides for secrets. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.JWTSecretEnv != "" {
		if v := os.Getenv(cfg.JWTSecretEnv); v != "" {
			cfg.JWTSecret = v
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be positive")
	}
	switch c.Queue.Resolution {
	case "client-wins", "server-wins", "manual":
	default:
		return fmt.Errorf("queue.resolution must be client-wins, server-wins or manual, got %q", c.Queue.Resolution)
	}
	if c.Locks.TTL <= 0 {
		return fmt.Errorf("locks.ttl must be positive")
	}
	return nil
}
