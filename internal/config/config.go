// Package config loads and validates threadbridge configuration from the
// TOML config file, environment variables, and flag overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file inside the threadbridge directory.
const ConfigFileName = "config.toml"

// Config is the full runtime configuration.
type Config struct {
	// ServerURL is the chat server base URL (http:// or https://).
	ServerURL string `toml:"server_url"`

	// Token is the bot account's bearer token.
	Token string `toml:"token"`

	// Team is the human-readable team name to resolve at startup.
	Team string `toml:"team"`

	// Channel is the human-readable channel name inside the team.
	Channel string `toml:"channel"`

	// Announcement is the message posted at startup; its post becomes the
	// single thread this bridge reads and writes.
	Announcement string `toml:"announcement"`

	Assistant AssistantSettings `toml:"assistant"`
	Socket    SocketSettings    `toml:"socket"`
	Publish   PublishSettings   `toml:"publish"`
	Store     StoreSettings     `toml:"store"`
	Logs      LogSettings       `toml:"logs"`
}

// AssistantSettings configures the supervised assistant CLI process.
type AssistantSettings struct {
	// Command is the assistant binary (default "claude").
	Command string `toml:"command"`

	// Args are extra invocation arguments (permission mode, profile, ...).
	Args []string `toml:"args"`

	// UsePTY runs the assistant under a pseudo-terminal. Needed for CLIs
	// that refuse to run without one; stderr is merged into stdout.
	UsePTY bool `toml:"use_pty"`

	// ResponseTimeoutSecs is the max wait for one reply (default 30).
	ResponseTimeoutSecs int `toml:"response_timeout_secs"`

	// IdleWindowMillis is the quiet window after output that marks a reply
	// complete when no end marker is configured (default 700).
	IdleWindowMillis int `toml:"idle_window_millis"`

	// EndMarker, when set, is a line the assistant emits after each reply.
	// Preferred over the idle-window heuristic when the CLI supports it.
	EndMarker string `toml:"end_marker"`

	// MaxRestarts bounds restart attempts before the supervisor reports
	// itself unavailable (default 5).
	MaxRestarts int `toml:"max_restarts"`

	// RestartBaseSecs is the base restart backoff delay (default 2).
	RestartBaseSecs int `toml:"restart_base_secs"`

	// OutputBufferKB caps each output accumulation buffer (default 1024).
	OutputBufferKB int `toml:"output_buffer_kb"`
}

// SocketSettings configures the realtime connection.
type SocketSettings struct {
	// ReconnectBaseSecs is the base reconnect backoff delay (default 1).
	ReconnectBaseSecs int `toml:"reconnect_base_secs"`

	// ReconnectCapSecs caps the reconnect backoff delay (default 30).
	ReconnectCapSecs int `toml:"reconnect_cap_secs"`
}

// PublishSettings configures reply posting.
type PublishSettings struct {
	// TimeoutSecs bounds each post creation call (default 10).
	TimeoutSecs int `toml:"timeout_secs"`

	// RatePerSec limits reply posts per second (default 2).
	RatePerSec float64 `toml:"rate_per_sec"`
}

// StoreSettings configures the turn ledger database.
type StoreSettings struct {
	// Enabled turns the SQLite turn ledger on (default true).
	Enabled *bool `toml:"enabled"`

	// Path overrides the database location (default <dir>/state.db).
	Path string `toml:"path"`
}

// LogSettings mirrors logging.Config knobs exposed to users.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Dir returns the base threadbridge directory (~/.threadbridge).
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".threadbridge"), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Load reads the config file at path (or the default location when path is
// empty), applies environment overrides, and fills defaults. A missing file
// is not an error: environment variables may supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv overlays THREADBRIDGE_* environment variables. Env wins over file
// so tokens can stay out of config files entirely.
func (c *Config) applyEnv() {
	if v := os.Getenv("THREADBRIDGE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("THREADBRIDGE_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("THREADBRIDGE_TEAM"); v != "" {
		c.Team = v
	}
	if v := os.Getenv("THREADBRIDGE_CHANNEL"); v != "" {
		c.Channel = v
	}
	if v := os.Getenv("THREADBRIDGE_ANNOUNCEMENT"); v != "" {
		c.Announcement = v
	}
	if v := os.Getenv("THREADBRIDGE_ASSISTANT_COMMAND"); v != "" {
		c.Assistant.Command = v
	}
}

func (c *Config) applyDefaults() {
	if c.Announcement == "" {
		c.Announcement = "threadbridge session started. Reply in this thread to talk to the assistant."
	}
	if c.Assistant.Command == "" {
		c.Assistant.Command = "claude"
	}
	if c.Assistant.ResponseTimeoutSecs <= 0 {
		c.Assistant.ResponseTimeoutSecs = 30
	}
	if c.Assistant.IdleWindowMillis <= 0 {
		c.Assistant.IdleWindowMillis = 700
	}
	if c.Assistant.MaxRestarts <= 0 {
		c.Assistant.MaxRestarts = 5
	}
	if c.Assistant.RestartBaseSecs <= 0 {
		c.Assistant.RestartBaseSecs = 2
	}
	if c.Assistant.OutputBufferKB <= 0 {
		c.Assistant.OutputBufferKB = 1024
	}
	if c.Socket.ReconnectBaseSecs <= 0 {
		c.Socket.ReconnectBaseSecs = 1
	}
	if c.Socket.ReconnectCapSecs <= 0 {
		c.Socket.ReconnectCapSecs = 30
	}
	if c.Publish.TimeoutSecs <= 0 {
		c.Publish.TimeoutSecs = 10
	}
	if c.Publish.RatePerSec <= 0 {
		c.Publish.RatePerSec = 2
	}
}

// StoreEnabled reports whether the turn ledger should be opened.
func (c *Config) StoreEnabled() bool {
	if c.Store.Enabled == nil {
		return true
	}
	return *c.Store.Enabled
}

// StorePath returns the turn ledger path, creating a default under Dir()
// when unset.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// Validate checks startup parameters. Failures here are fatal before any
// connection is attempted.
func (c *Config) Validate() error {
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.Team == "" {
		missing = append(missing, "team")
	}
	if c.Channel == "" {
		missing = append(missing, "channel")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid server_url scheme %q: must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid server_url: missing host")
	}

	if c.Assistant.Command == "" {
		return fmt.Errorf("assistant.command must not be empty")
	}
	return nil
}
