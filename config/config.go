package config

import (
	"log"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// BufferConfig tunes the discovery buffer refill behavior
type BufferConfig struct {
	LowWaterMark int `yaml:"low_water_mark"` // Refill when ready count drops below this (default: 5)
	BatchSize    int `yaml:"batch_size"`     // Candidates validated concurrently per batch (default: 10)
	TargetSize   int `yaml:"target_size"`    // Stop refilling once ready reaches this (default: 20)
}

// HealthConfig tunes when a repeatedly failing relay is temporarily skipped
type HealthConfig struct {
	MaxFailures int           `yaml:"max_failures"` // Failures before a temporary ban (default: 3)
	BanDuration time.Duration `yaml:"ban_duration"` // How long a banned relay is skipped (default: 30m)
	ResetAge    time.Duration `yaml:"reset_age"`    // Forget failures older than this (default: 10m)
}

// ReconnectConfig tunes the relay reconnection backoff
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`   // First retry delay, doubles per attempt (default: 1s)
	MaxDelay    time.Duration `yaml:"max_delay"`    // Backoff cap (default: 30s)
	MaxAttempts int           `yaml:"max_attempts"` // Attempts before giving up until next use (default: 5)
}

// Config represents the application configuration
type Config struct {
	Relays         []string        `yaml:"relays"`
	Database       string          `yaml:"database"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	QueryTimeout   time.Duration   `yaml:"query_timeout"`
	PublishTimeout time.Duration   `yaml:"publish_timeout"`
	PreloadTimeout time.Duration   `yaml:"preload_timeout"`
	PublishQuorum  int             `yaml:"publish_quorum"` // Relays that must accept for success (default: 1)
	NoteCacheTTL   time.Duration   `yaml:"note_cache_ttl"`
	NoteTarget     int             `yaml:"note_target"`   // Notes per author before early return (default: 10)
	RequirePosts   bool            `yaml:"require_posts"` // Gate readiness on at least one post (default: false)
	Buffer         BufferConfig    `yaml:"buffer"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Health         HealthConfig    `yaml:"health"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	log.Printf("[CONFIG] Loaded configuration from %s", path)
	log.Printf("[CONFIG] - Relays: %d", len(cfg.Relays))
	log.Printf("[CONFIG] - Database: %s", cfg.Database)
	log.Printf("[CONFIG] - Publish quorum: %d", cfg.PublishQuorum)
	log.Printf("[CONFIG] - Buffer: low=%d batch=%d target=%d",
		cfg.Buffer.LowWaterMark, cfg.Buffer.BatchSize, cfg.Buffer.TargetSize)
	log.Printf("[CONFIG] - Require posts: %t", cfg.RequirePosts)

	return cfg, nil
}

// Default returns a configuration with all defaults filled in
func Default() *Config {
	return &Config{
		Database:       "nostrface.db",
		ConnectTimeout: 10 * time.Second,
		QueryTimeout:   15 * time.Second,
		PublishTimeout: 10 * time.Second,
		PreloadTimeout: 10 * time.Second,
		PublishQuorum:  1,
		NoteCacheTTL:   10 * time.Minute,
		NoteTarget:     10,
		Buffer: BufferConfig{
			LowWaterMark: 5,
			BatchSize:    10,
			TargetSize:   20,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		Health: HealthConfig{
			MaxFailures: 3,
			BanDuration: 30 * time.Minute,
			ResetAge:    10 * time.Minute,
		},
	}
}
