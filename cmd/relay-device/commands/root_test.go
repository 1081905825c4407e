package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "relay-device", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"run"},
		{"identity", "show"},
		{"identity", "rotate"},
		{"identity", "reset"},
		{"log", "view"},
		{"log", "export"},
		{"log", "stats"},
	}

	for _, path := range paths {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	state := cmd.PersistentFlags().Lookup("state")
	require.NotNil(t, state)
	assert.NotEmpty(t, state.DefValue)

	level := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, level)
	assert.Equal(t, "info", level.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"config", "server", "forward", "protocol-log", "metrics-addr", "interactive", "insecure"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "c", runCmd.Flags().Lookup("config").Shorthand)
	assert.Equal(t, "i", runCmd.Flags().Lookup("interactive").Shorthand)
}

func TestInvalidLogLevel(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--log-level", "loud", "identity", "show", "--state", t.TempDir() + "/state.json"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, `invalid log level "loud"`)
}

func TestRunRequiresServer(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--state", t.TempDir() + "/state.json"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "--server is required")
}
