package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Device ID constants.
const (
	// SuffixLength is the number of random characters appended to the descriptor.
	SuffixLength = 4

	// DefaultDescriptor is used when no platform descriptor is available.
	DefaultDescriptor = "device"

	// maxDescriptorLength bounds the descriptor part of a device ID.
	maxDescriptorLength = 32

	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Identity errors.
var (
	ErrInvalidDeviceID = errors.New("invalid device ID")
	ErrNoIdentity      = errors.New("no identity")
)

var (
	descriptorCleaner = regexp.MustCompile(`[^a-z0-9]+`)
	deviceIDPattern   = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*-[a-z0-9]{4}$`)
)

// Identity is the device identity presented to the relay.
//
// PasscodeHash is always derivable from Passcode. TokenEndpoint and PublicURL
// are learned from registration and empty until then.
type Identity struct {
	DeviceID      string `json:"device_id"`
	Passcode      string `json:"passcode"`
	PasscodeHash  string `json:"passcode_hash"`
	TokenEndpoint string `json:"token_endpoint,omitempty"`
	PublicURL     string `json:"public_url,omitempty"`
}

// NewIdentity generates a fresh identity for the given platform descriptor.
func NewIdentity(descriptor string) (*Identity, error) {
	deviceID, err := GenerateDeviceID(descriptor)
	if err != nil {
		return nil, err
	}
	passcode, err := GeneratePasscode()
	if err != nil {
		return nil, err
	}
	return &Identity{
		DeviceID:     deviceID,
		Passcode:     passcode.String(),
		PasscodeHash: passcode.Hash(),
	}, nil
}

// GenerateDeviceID combines a sanitized descriptor with a random suffix.
func GenerateDeviceID(descriptor string) (string, error) {
	suffix, err := randomSuffix(SuffixLength)
	if err != nil {
		return "", err
	}
	return SanitizeDescriptor(descriptor) + "-" + suffix, nil
}

// SanitizeDescriptor lower-cases a platform descriptor and collapses anything
// that is not alphanumeric into single dashes.
func SanitizeDescriptor(descriptor string) string {
	d := descriptorCleaner.ReplaceAllString(strings.ToLower(descriptor), "-")
	d = strings.Trim(d, "-")
	if len(d) > maxDescriptorLength {
		d = strings.TrimRight(d[:maxDescriptorLength], "-")
	}
	if d == "" {
		return DefaultDescriptor
	}
	return d
}

// ValidateDeviceID checks the <descriptor>-<suffix> shape.
func ValidateDeviceID(id string) error {
	if !deviceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}

func randomSuffix(n int) (string, error) {
	max := big.NewInt(int64(len(suffixAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate device ID suffix: %w", err)
		}
		b[i] = suffixAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// Validate checks that the identity is internally consistent.
func (id *Identity) Validate() error {
	if id == nil {
		return ErrNoIdentity
	}
	if err := ValidateDeviceID(id.DeviceID); err != nil {
		return err
	}
	if _, err := ParsePasscode(id.Passcode); err != nil {
		return err
	}
	if !VerifyPasscode(id.Passcode, id.PasscodeHash) {
		return fmt.Errorf("%w: does not match passcode", ErrInvalidHash)
	}
	return nil
}

// Registered reports whether the relay endpoints are known.
func (id *Identity) Registered() bool {
	return id != nil && id.PublicURL != "" && id.TokenEndpoint != ""
}

// Rotate replaces the passcode, keeping the device ID. The relay endpoints are
// cleared since the device has to register again with the new hash.
func (id *Identity) Rotate() error {
	passcode, err := GeneratePasscode()
	if err != nil {
		return err
	}
	id.Passcode = passcode.String()
	id.PasscodeHash = passcode.Hash()
	id.PublicURL = ""
	id.TokenEndpoint = ""
	return nil
}

// Clone returns a copy of the identity.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

// Manager holds the current identity and creates one on demand.
type Manager struct {
	descriptor string
	identity   *Identity
	fresh      bool
}

// NewManager creates a manager. existing may be nil, in which case the
// identity is generated on the first call to Ensure.
func NewManager(descriptor string, existing *Identity) *Manager {
	return &Manager{
		descriptor: descriptor,
		identity:   existing.Clone(),
	}
}

// Ensure returns the current identity, generating one if absent. The second
// return value is true when the identity was generated by this call.
func (m *Manager) Ensure() (*Identity, bool, error) {
	if m.identity != nil {
		if m.identity.PasscodeHash == "" && m.identity.Passcode != "" {
			m.identity.PasscodeHash = HashPasscode(m.identity.Passcode)
		}
		return m.identity, false, nil
	}
	id, err := NewIdentity(m.descriptor)
	if err != nil {
		return nil, false, err
	}
	m.identity = id
	m.fresh = true
	return id, true, nil
}

// Identity returns the current identity, or nil.
func (m *Manager) Identity() *Identity {
	return m.identity
}

// Fresh reports whether the current identity was generated and has not yet
// been disclosed (see MarkDisclosed).
func (m *Manager) Fresh() bool {
	return m.fresh
}

// MarkDisclosed records that the plaintext passcode was handed to the embedder.
func (m *Manager) MarkDisclosed() {
	m.fresh = false
}

// Rotate replaces the passcode of the current identity.
func (m *Manager) Rotate() (*Identity, error) {
	if m.identity == nil {
		return nil, ErrNoIdentity
	}
	if err := m.identity.Rotate(); err != nil {
		return nil, err
	}
	m.fresh = true
	return m.identity, nil
}

// SetEndpoints records the relay endpoints learned from registration.
func (m *Manager) SetEndpoints(publicURL, tokenEndpoint string) {
	if m.identity == nil {
		return
	}
	m.identity.PublicURL = publicURL
	m.identity.TokenEndpoint = tokenEndpoint
}
