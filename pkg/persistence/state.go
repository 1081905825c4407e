package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrelay/relay-go/pkg/credential"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// DeviceState contains the persisted state of a relay device.
type DeviceState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// ServerURL is the relay the identity is registered with.
	ServerURL string `json:"server_url,omitempty"`

	// Identity is the device identity. Nil until the first registration.
	Identity *credential.Identity `json:"identity,omitempty"`

	// RegisteredAt is when the relay last accepted the identity.
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// StateStore manages persistence of device state to a JSON file.
// It is safe for concurrent use.
type StateStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewStateStore creates a store for the file at path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path, now: time.Now}
}

// Path returns the file path.
func (s *StateStore) Path() string {
	return s.path
}

// Save persists the state. The file is replaced atomically and is readable
// only by its owner, since it contains the passcode.
func (s *StateStore) Save(state *DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

func (s *StateStore) saveLocked(state *DeviceState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	state.Version = StateVersion
	state.SavedAt = s.now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Load reads the state. It returns nil, nil if the file doesn't exist.
func (s *StateStore) Load() (*DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *StateStore) loadLocked() (*DeviceState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &DeviceState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported %d", state.Version, StateVersion)
	}
	if state.Identity != nil {
		if err := state.Identity.Validate(); err != nil {
			return nil, fmt.Errorf("stored identity: %w", err)
		}
	}
	return state, nil
}

// LoadIdentity returns the stored identity, or nil if none is stored.
func (s *StateStore) LoadIdentity() (*credential.Identity, error) {
	state, err := s.Load()
	if err != nil || state == nil {
		return nil, err
	}
	return state.Identity, nil
}

// SaveIdentity stores id, keeping the rest of the state.
func (s *StateStore) SaveIdentity(id *credential.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	if state == nil {
		state = &DeviceState{}
	}
	state.Identity = id.Clone()
	if id.Registered() {
		state.RegisteredAt = s.now()
	}
	return s.saveLocked(state)
}

// Clear removes the state file.
func (s *StateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// BindServer records the relay the state belongs to. It reports the
// previously recorded relay when it differs from serverURL.
func (s *StateStore) BindServer(serverURL string) (previous string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	if state == nil {
		state = &DeviceState{}
	}
	if state.ServerURL == serverURL {
		return "", nil
	}
	previous = state.ServerURL
	state.ServerURL = serverURL
	return previous, s.saveLocked(state)
}
