// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Matriisi bots.
//
// Configuration is loaded from a single YAML file specified by:
//   - MATRIISI_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides. The only expansion
// performed is ${HOME} and similar path variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a Matriisi bot.
type Config struct {
	// Homeserver configures the Matrix server connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Sync configures the incremental synchronization loop.
	Sync SyncConfig `yaml:"sync"`

	// Dispatcher configures outbound request scheduling.
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Paths configures on-disk state locations.
	Paths PathsConfig `yaml:"paths"`
}

// HomeserverConfig configures the Matrix server connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver, e.g. https://matrix.example.org.
	URL string `yaml:"url"`

	// UserID is the fully qualified Matrix user ID the bot runs as,
	// e.g. @bot:example.org. Informational; the access token is what
	// authenticates requests.
	UserID string `yaml:"user_id"`

	// AccessTokenFile is the path to a file containing the access token.
	// Tokens never live in the config file itself.
	AccessTokenFile string `yaml:"access_token_file"`

	// RequestTimeout bounds individual non-sync HTTP requests.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SyncConfig configures the incremental synchronization loop.
type SyncConfig struct {
	// LongPollTimeout is the server-side wait passed to /sync.
	// Default: 30s
	LongPollTimeout time.Duration `yaml:"long_poll_timeout"`

	// TimelineWindow is the per-room timeline event limit requested
	// from the server and retained in memory per room.
	// Default: 128
	TimelineWindow int `yaml:"timeline_window"`

	// BackoffFloor is the initial retry delay after a sync failure.
	// Default: 1s
	BackoffFloor time.Duration `yaml:"backoff_floor"`

	// BackoffCap is the maximum retry delay between sync attempts.
	// Default: 60s
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// Backfill enables rewinding gapped timelines via /messages when
	// the server reports a limited timeline batch.
	// Default: true
	Backfill *bool `yaml:"backfill,omitempty"`
}

// DispatcherConfig configures outbound request scheduling.
type DispatcherConfig struct {
	// RequestsPerSecond is the shared outbound rate budget across all
	// priority classes. Zero disables local rate limiting and relies
	// on server 429 responses alone.
	// Default: 5
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the rate limiter burst size.
	// Default: 10
	Burst int `yaml:"burst"`

	// QueueDepth is the per-priority pending request queue size.
	// Default: 64
	QueueDepth int `yaml:"queue_depth"`
}

// PathsConfig configures on-disk state locations.
type PathsConfig struct {
	// State is the base directory for runtime state.
	// Default: ${HOME}/.local/state/matriisi
	State string `yaml:"state"`

	// TokenFile is where the sync token is persisted between runs.
	// Default: <state>/sync-token
	TokenFile string `yaml:"token_file"`

	// SnapshotFile is where the room state snapshot is persisted.
	// Empty disables snapshot persistence.
	SnapshotFile string `yaml:"snapshot_file"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist to ensure all fields have sensible zero-values, not as a
// fallback - the homeserver URL must come from the file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultState := filepath.Join(homeDir, ".local", "state", "matriisi")

	backfill := true
	return &Config{
		Homeserver: HomeserverConfig{
			RequestTimeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			LongPollTimeout: 30 * time.Second,
			TimelineWindow:  128,
			BackoffFloor:    time.Second,
			BackoffCap:      60 * time.Second,
			Backfill:        &backfill,
		},
		Dispatcher: DispatcherConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			QueueDepth:        64,
		},
		Paths: PathsConfig{
			State:     defaultState,
			TokenFile: filepath.Join(defaultState, "sync-token"),
		},
	}
}

// Load loads configuration from the MATRIISI_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if MATRIISI_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("MATRIISI_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MATRIISI_CONFIG environment variable not set; " +
			"set it to the path of your matriisi.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is ${HOME}
// and similar path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"MATRIISI_STATE": c.Paths.State,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["MATRIISI_STATE"] = c.Paths.State // Update for dependent paths.

	c.Paths.TokenFile = expandVars(c.Paths.TokenFile, vars)
	c.Paths.SnapshotFile = expandVars(c.Paths.SnapshotFile, vars)
	c.Homeserver.AccessTokenFile = expandVars(c.Homeserver.AccessTokenFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	}

	if c.Sync.TimelineWindow < 1 {
		errs = append(errs, fmt.Errorf("sync.timeline_window must be at least 1"))
	}
	if c.Sync.BackoffFloor <= 0 {
		errs = append(errs, fmt.Errorf("sync.backoff_floor must be positive"))
	}
	if c.Sync.BackoffCap < c.Sync.BackoffFloor {
		errs = append(errs, fmt.Errorf("sync.backoff_cap must be at least sync.backoff_floor"))
	}

	if c.Dispatcher.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.requests_per_second must not be negative"))
	}
	if c.Dispatcher.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("dispatcher.queue_depth must be at least 1"))
	}

	if c.Paths.TokenFile == "" {
		errs = append(errs, fmt.Errorf("paths.token_file is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// BackfillEnabled reports whether gapped timelines should be rewound.
func (c *Config) BackfillEnabled() bool {
	return c.Sync.Backfill == nil || *c.Sync.Backfill
}

// AccessToken reads the access token from the configured token file.
// The token is trimmed of trailing whitespace.
func (c *Config) AccessToken() (string, error) {
	if c.Homeserver.AccessTokenFile == "" {
		return "", fmt.Errorf("homeserver.access_token_file is not set")
	}
	data, err := os.ReadFile(c.Homeserver.AccessTokenFile)
	if err != nil {
		return "", fmt.Errorf("config: reading access token: %w", err)
	}
	token := string(data)
	for len(token) > 0 && (token[len(token)-1] == '\n' || token[len(token)-1] == '\r' || token[len(token)-1] == ' ') {
		token = token[:len(token)-1]
	}
	if token == "" {
		return "", fmt.Errorf("config: access token file %s is empty", c.Homeserver.AccessTokenFile)
	}
	return token, nil
}

// EnsurePaths creates the state directory and parent directories of
// configured state files if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{c.Paths.State}
	if c.Paths.TokenFile != "" {
		paths = append(paths, filepath.Dir(c.Paths.TokenFile))
	}
	if c.Paths.SnapshotFile != "" {
		paths = append(paths, filepath.Dir(c.Paths.SnapshotFile))
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
