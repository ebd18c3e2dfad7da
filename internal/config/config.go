package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the per-profile config.toml for the sync engine.
type Config struct {
	// SelfID is the authenticated user id this profile syncs as.
	// Authentication itself happens in the app shell; the engine only
	// needs the resulting identity.
	SelfID string `toml:"self_id"`

	API      APIConfig      `toml:"api"`
	Realtime RealtimeConfig `toml:"realtime"`
	Sync     SyncConfig     `toml:"sync"`
	Receipts ReceiptsConfig `toml:"receipts"`
}

// APIConfig configures the message-service HTTP client.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// RealtimeConfig configures the NATS connection for push events.
type RealtimeConfig struct {
	URL                  string `toml:"url"`
	ReconnectWaitSeconds int    `toml:"reconnect_wait_seconds"`
}

// SyncConfig tunes the outbound queue and pagination.
type SyncConfig struct {
	PageSize          int `toml:"page_size"`
	FlushIntervalMs   int `toml:"flush_interval_ms"`
	UploadConcurrency int `toml:"upload_concurrency"`
}

// ReceiptsConfig selects the group read quorum policy: "all" requires
// every other participant to have read a message before it counts as
// read, "any" requires at least one.
type ReceiptsConfig struct {
	Quorum string `toml:"quorum"`
}

// Default returns a config with sane defaults applied.
func Default() *Config {
	return &Config{
		API:      APIConfig{TimeoutSeconds: 30},
		Realtime: RealtimeConfig{ReconnectWaitSeconds: 2},
		Sync: SyncConfig{
			PageSize:          50,
			FlushIntervalMs:   500,
			UploadConcurrency: 3,
		},
		Receipts: ReceiptsConfig{Quorum: "all"},
	}
}

// Load reads config from path, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
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

// Validate checks field constraints.
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("self_id is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Receipts.Quorum != "all" && c.Receipts.Quorum != "any" {
		return fmt.Errorf("receipts.quorum must be %q or %q, got %q", "all", "any", c.Receipts.Quorum)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Sync.UploadConcurrency <= 0 {
		return fmt.Errorf("sync.upload_concurrency must be positive")
	}
	return nil
}

// APITimeout returns the HTTP client timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// FlushInterval returns the outbound queue polling interval.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Sync.FlushIntervalMs) * time.Millisecond
}

// ReconnectWait returns the NATS reconnect backoff.
func (c *Config) ReconnectWait() time.Duration {
	return time.Duration(c.Realtime.ReconnectWaitSeconds) * time.Second
}
