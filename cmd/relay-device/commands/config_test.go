package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server: https://relay.example.com
name: Garage Door
descriptor: garage
forward: http://127.0.0.1:8080
metrics_addr: 127.0.0.1:9100
insecure_skip_verify: true
polling:
  min_interval: 500ms
  max_interval: 1m
  backoff_cap: 3
  reconnect_delay: 2s
timeouts:
  connect: 3s
  poll: 90s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	fc, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://relay.example.com", fc.Server)
	assert.Equal(t, "Garage Door", fc.Name)
	assert.True(t, fc.InsecureSkipVerify)
	assert.Equal(t, 500*time.Millisecond, fc.Polling.MinInterval)
	assert.Equal(t, time.Minute, fc.Polling.MaxInterval)
	require.NotNil(t, fc.Polling.BackoffCap)
	assert.Equal(t, 3, *fc.Polling.BackoffCap)
	assert.Equal(t, 90*time.Second, fc.Timeouts.Poll)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "server: [unterminated"))
	assert.ErrorContains(t, err, "parse config")
}

func TestConfigFlagsTakePrecedence(t *testing.T) {
	root := NewRootCommand()
	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, runCmd.ParseFlags([]string{"--server", "https://other.example.com", "--name", "CLI Name"}))

	opts := &RunOptions{RootOptions: &RootOptions{}}
	opts.Server, _ = runCmd.Flags().GetString("server")
	opts.Name, _ = runCmd.Flags().GetString("name")

	fc, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	fc.apply(runCmd, opts)

	assert.Equal(t, "https://other.example.com", opts.Server)
	assert.Equal(t, "CLI Name", opts.Name)
	assert.Equal(t, "garage", opts.Descriptor)
	assert.Equal(t, "http://127.0.0.1:8080", opts.Forward)
	assert.Equal(t, "127.0.0.1:9100", opts.MetricsAddr)
	assert.True(t, opts.Insecure)

	cfg := opts.relayConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://other.example.com", cfg.ServerURL)
	assert.Equal(t, "CLI Name", cfg.DeviceName)
	assert.Equal(t, "garage", cfg.Descriptor)
	assert.Equal(t, 500*time.Millisecond, cfg.MinPollInterval)
	assert.Equal(t, time.Minute, cfg.MaxPollInterval)
	assert.Equal(t, 3, cfg.BackoffCap)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 90*time.Second, cfg.PollTimeout)
	assert.Equal(t, 30*time.Second, cfg.ExchangeTimeout)
	require.NotNil(t, cfg.TLSConfig)
	assert.True(t, cfg.TLSConfig.InsecureSkipVerify)
}

func TestRelayConfigDefaults(t *testing.T) {
	opts := &RunOptions{RootOptions: &RootOptions{}, Server: "http://127.0.0.1:1"}
	cfg := opts.relayConfig()
	assert.Equal(t, "relay-device", cfg.DeviceName)
	assert.Equal(t, time.Second, cfg.MinPollInterval)
	assert.Nil(t, cfg.TLSConfig)
}
