package commands

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/relay-go/pkg/credential"
	"github.com/devrelay/relay-go/pkg/persistence"
)

func storedIdentity(t *testing.T) (*persistence.StateStore, *credential.Identity) {
	t.Helper()
	store := persistence.NewStateStore(filepath.Join(t.TempDir(), "state.json"))
	id, err := credential.NewIdentity("lab")
	require.NoError(t, err)
	id.PublicURL = "https://relay.example.com/d/" + id.DeviceID
	id.TokenEndpoint = "https://relay.example.com/token"
	require.NoError(t, store.SaveIdentity(id))
	_, err = store.BindServer("https://relay.example.com")
	require.NoError(t, err)
	return store, id
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIdentityShow(t *testing.T) {
	store, id := storedIdentity(t)

	out, err := execute(t, "identity", "show", "--state", store.Path())
	require.NoError(t, err)
	assert.Contains(t, out, "Device ID:      "+id.DeviceID)
	assert.Contains(t, out, "Passcode:       ******")
	assert.NotContains(t, out, id.Passcode+"\n")
	assert.Contains(t, out, "Passcode hash:  "+id.PasscodeHash)
	assert.Contains(t, out, "Server:         https://relay.example.com")
	assert.Contains(t, out, "Registered at:")

	out, err = execute(t, "identity", "show", "--reveal", "--state", store.Path())
	require.NoError(t, err)
	assert.Contains(t, out, "Passcode:       "+id.Passcode)
}

func TestIdentityShowWithoutIdentity(t *testing.T) {
	_, err := execute(t, "identity", "show", "--state", filepath.Join(t.TempDir(), "state.json"))
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestIdentityRotate(t *testing.T) {
	store, id := storedIdentity(t)

	out, err := execute(t, "identity", "rotate", "--state", store.Path())
	require.NoError(t, err)
	assert.Contains(t, out, "PAIRING INFORMATION")

	rotated, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID, rotated.DeviceID)
	assert.Equal(t, credential.HashPasscode(rotated.Passcode), rotated.PasscodeHash)
	assert.Empty(t, rotated.PublicURL)
	assert.Empty(t, rotated.TokenEndpoint)
	assert.Contains(t, out, "Passcode:       "+rotated.Passcode)
}

func TestIdentityReset(t *testing.T) {
	store, _ := storedIdentity(t)

	out, err := execute(t, "identity", "reset", "--state", store.Path())
	require.NoError(t, err)
	assert.Contains(t, out, "Removed "+store.Path())

	id, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Nil(t, id)
}
