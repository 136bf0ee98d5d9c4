package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mtx/config.toml.
type Config struct {
	DefaultProfile string        `toml:"default_profile"`
	Timeouts       TimeoutConfig `toml:"timeouts"`
	Send           SendConfig    `toml:"send"`
}

// TimeoutConfig carries the bounded-wait knobs, in seconds.
type TimeoutConfig struct {
	SessionWaitSec int `toml:"session_wait_sec"`
	RoomWaitSec    int `toml:"room_wait_sec"`
	GCGraceSec     int `toml:"gc_grace_sec"`
	RetryBaseSec   int `toml:"retry_base_sec"`
	RetryMaxSec    int `toml:"retry_max_sec"`
}

// SendConfig carries send-pipeline behavior flags.
type SendConfig struct {
	SetReadMarkers   bool `toml:"set_read_markers"`
	KeepMediaInCache bool `toml:"keep_media_in_cache"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Timeouts: TimeoutConfig{
			SessionWaitSec: 10,
			RoomWaitSec:    30,
			GCGraceSec:     24 * 60 * 60,
			RetryBaseSec:   1,
			RetryMaxSec:    30,
		},
		Send: SendConfig{SetReadMarkers: true},
	}
}

// SessionWait returns the session-wait deadline for missing decryption keys.
func (t TimeoutConfig) SessionWait() time.Duration { return time.Duration(t.SessionWaitSec) * time.Second }

// RoomWait returns the room-materialization deadline.
func (t TimeoutConfig) RoomWait() time.Duration { return time.Duration(t.RoomWaitSec) * time.Second }

// GCGrace returns how long sent messages linger before the sweep removes them.
func (t TimeoutConfig) GCGrace() time.Duration { return time.Duration(t.GCGraceSec) * time.Second }

// RetryBase returns the initial rate-limit backoff.
func (t TimeoutConfig) RetryBase() time.Duration { return time.Duration(t.RetryBaseSec) * time.Second }

// RetryMax returns the backoff cap.
func (t TimeoutConfig) RetryMax() time.Duration { return time.Duration(t.RetryMaxSec) * time.Second }

// Load reads config from the given path, filling unset timeout fields
// from the defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	d := Default()
	if cfg.Timeouts.SessionWaitSec <= 0 {
		cfg.Timeouts.SessionWaitSec = d.Timeouts.SessionWaitSec
	}
	if cfg.Timeouts.RoomWaitSec <= 0 {
		cfg.Timeouts.RoomWaitSec = d.Timeouts.RoomWaitSec
	}
	if cfg.Timeouts.GCGraceSec <= 0 {
		cfg.Timeouts.GCGraceSec = d.Timeouts.GCGraceSec
	}
	if cfg.Timeouts.RetryBaseSec <= 0 {
		cfg.Timeouts.RetryBaseSec = d.Timeouts.RetryBaseSec
	}
	if cfg.Timeouts.RetryMaxSec <= 0 {
		cfg.Timeouts.RetryMaxSec = d.Timeouts.RetryMaxSec
	}
	return cfg, nil
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
