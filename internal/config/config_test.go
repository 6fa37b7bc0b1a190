package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://chat.example.com"
token = "secret-token"
team = "Engineering"
channel = "assistant"
announcement = "session up"

[assistant]
command = "claude"
args = ["--permission-mode", "plan"]
response_timeout_secs = 45
end_marker = "<<done>>"

[socket]
reconnect_base_secs = 2

[publish]
rate_per_sec = 1.0

[logs]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.ServerURL)
	assert.Equal(t, "secret-token", cfg.Token)
	assert.Equal(t, "Engineering", cfg.Team)
	assert.Equal(t, "assistant", cfg.Channel)
	assert.Equal(t, "session up", cfg.Announcement)
	assert.Equal(t, []string{"--permission-mode", "plan"}, cfg.Assistant.Args)
	assert.Equal(t, 45, cfg.Assistant.ResponseTimeoutSecs)
	assert.Equal(t, "<<done>>", cfg.Assistant.EndMarker)
	assert.Equal(t, 2, cfg.Socket.ReconnectBaseSecs)
	assert.Equal(t, 1.0, cfg.Publish.RatePerSec)
	assert.Equal(t, "debug", cfg.Logs.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server_url = "http://localhost:8065"
token = "t"
team = "team"
channel = "chan"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Assistant.Command)
	assert.Equal(t, 30, cfg.Assistant.ResponseTimeoutSecs)
	assert.Equal(t, 700, cfg.Assistant.IdleWindowMillis)
	assert.Equal(t, 5, cfg.Assistant.MaxRestarts)
	assert.Equal(t, 2, cfg.Assistant.RestartBaseSecs)
	assert.Equal(t, 1024, cfg.Assistant.OutputBufferKB)
	assert.Equal(t, 1, cfg.Socket.ReconnectBaseSecs)
	assert.Equal(t, 30, cfg.Socket.ReconnectCapSecs)
	assert.Equal(t, 10, cfg.Publish.TimeoutSecs)
	assert.NotEmpty(t, cfg.Announcement)
	assert.True(t, cfg.StoreEnabled())
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	// Everything required is still absent, so validation must fail.
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server_url = "http://file.example.com"
token = "file-token"
team = "team"
channel = "chan"
`)

	t.Setenv("THREADBRIDGE_SERVER_URL", "https://env.example.com")
	t.Setenv("THREADBRIDGE_TOKEN", "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.ServerURL)
	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, "team", cfg.Team)
}

func TestValidateRejectsBadScheme(t *testing.T) {
	cfg := &Config{
		ServerURL: "ftp://chat.example.com",
		Token:     "t",
		Team:      "team",
		Channel:   "chan",
	}
	cfg.applyDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestValidateListsAllMissingFields(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"server_url", "token", "team", "channel"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestStoreDisabled(t *testing.T) {
	path := writeConfig(t, `
server_url = "http://localhost:8065"
token = "t"
team = "team"
channel = "chan"

[store]
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.StoreEnabled())
}
