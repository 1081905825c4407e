package credential

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idShape = regexp.MustCompile(`^[a-z0-9-]+-[a-z0-9]{4}$`)

func TestGenerateDeviceID(t *testing.T) {
	id, err := GenerateDeviceID("Raspberry Pi 4")
	require.NoError(t, err)
	assert.Regexp(t, `^raspberry-pi-4-[a-z0-9]{4}$`, id)
	assert.NoError(t, ValidateDeviceID(id))

	other, err := GenerateDeviceID("Raspberry Pi 4")
	require.NoError(t, err)
	assert.True(t, idShape.MatchString(other))
}

func TestSanitizeDescriptor(t *testing.T) {
	tests := []struct{ in, want string }{
		{"linux-amd64", "linux-amd64"},
		{"  MacBook Pro  ", "macbook-pro"},
		{"__weird__//name", "weird-name"},
		{"", DefaultDescriptor},
		{"!!!", DefaultDescriptor},
		{"a-very-long-descriptor-that-keeps-going-and-going", "a-very-long-descriptor-that-keep"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeDescriptor(tt.in), "descriptor %q", tt.in)
	}
}

func TestValidateDeviceID(t *testing.T) {
	assert.NoError(t, ValidateDeviceID("linux-ab12"))
	assert.Error(t, ValidateDeviceID("linux"))
	assert.Error(t, ValidateDeviceID("Linux-AB12"))
	assert.Error(t, ValidateDeviceID("linux-ab1"))
	assert.ErrorIs(t, ValidateDeviceID(""), ErrInvalidDeviceID)
}

func TestNewIdentity(t *testing.T) {
	id, err := NewIdentity("server")
	require.NoError(t, err)

	assert.NoError(t, id.Validate())
	assert.Len(t, id.Passcode, PasscodeLength)
	assert.Equal(t, HashPasscode(id.Passcode), id.PasscodeHash)
	assert.NotContains(t, id.PasscodeHash, id.Passcode)
	assert.False(t, id.Registered())
}

func TestIdentityValidate(t *testing.T) {
	var nilID *Identity
	assert.ErrorIs(t, nilID.Validate(), ErrNoIdentity)

	id := &Identity{DeviceID: "box-ab12", Passcode: "123456", PasscodeHash: HashPasscode("000000")}
	assert.ErrorIs(t, id.Validate(), ErrInvalidHash)

	id.PasscodeHash = HashPasscode("123456")
	assert.NoError(t, id.Validate())

	id.Passcode = "12345"
	assert.ErrorIs(t, id.Validate(), ErrInvalidPasscode)
}

func TestIdentityRotate(t *testing.T) {
	id, err := NewIdentity("box")
	require.NoError(t, err)
	id.PublicURL = "https://relay.example/d/x"
	id.TokenEndpoint = "https://relay.example/token"
	deviceID := id.DeviceID

	// Rotation may draw the same passcode; retry a few times to observe a change.
	old := id.Passcode
	for i := 0; i < 5 && id.Passcode == old; i++ {
		require.NoError(t, id.Rotate())
	}

	assert.Equal(t, deviceID, id.DeviceID)
	assert.NotEqual(t, old, id.Passcode)
	assert.Equal(t, HashPasscode(id.Passcode), id.PasscodeHash)
	assert.False(t, id.Registered())
}

func TestManager(t *testing.T) {
	t.Run("GeneratesOnce", func(t *testing.T) {
		m := NewManager("box", nil)
		assert.Nil(t, m.Identity())

		id, fresh, err := m.Ensure()
		require.NoError(t, err)
		assert.True(t, fresh)
		assert.True(t, m.Fresh())

		again, fresh, err := m.Ensure()
		require.NoError(t, err)
		assert.False(t, fresh)
		assert.Same(t, id, again)

		m.MarkDisclosed()
		assert.False(t, m.Fresh())
	})

	t.Run("KeepsExisting", func(t *testing.T) {
		existing := &Identity{DeviceID: "box-ab12", Passcode: "123456"}
		m := NewManager("box", existing)

		id, fresh, err := m.Ensure()
		require.NoError(t, err)
		assert.False(t, fresh)
		assert.Equal(t, "box-ab12", id.DeviceID)
		assert.Equal(t, HashPasscode("123456"), id.PasscodeHash, "missing hash is derived")
		assert.Empty(t, existing.PasscodeHash, "manager works on a copy")
	})

	t.Run("RotateWithoutIdentity", func(t *testing.T) {
		m := NewManager("box", nil)
		_, err := m.Rotate()
		assert.ErrorIs(t, err, ErrNoIdentity)
	})

	t.Run("SetEndpoints", func(t *testing.T) {
		m := NewManager("box", nil)
		m.SetEndpoints("u", "t") // no identity yet, ignored
		_, _, err := m.Ensure()
		require.NoError(t, err)
		m.SetEndpoints("https://r/x", "https://r/token")
		assert.True(t, m.Identity().Registered())

		_, err = m.Rotate()
		require.NoError(t, err)
		assert.True(t, m.Fresh())
		assert.False(t, m.Identity().Registered())
	})
}
