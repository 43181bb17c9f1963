package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// ErrUnsupportedVersion is returned for state files written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported state file version")

// ClientState is the persisted client state.
type ClientState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// LastUser is the last user who signed in. Sign-out clears it.
	LastUser string `json:"last_user,omitempty"`

	// Devices are the last known shadow snapshots.
	Devices []shadow.State `json:"devices,omitempty"`
}

// Store manages the client state file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Save writes state, replacing the file atomically.
func (s *Store) Save(state *ClientState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

func (s *Store) saveLocked(state *ClientState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	state.Version = StateVersion
	state.SavedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Load reads the state file.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *Store) Load() (*ClientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*ClientState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &ClientState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}
	return state, nil
}

// update loads the state (or starts empty), applies fn and saves.
func (s *Store) update(fn func(*ClientState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	if state == nil {
		state = &ClientState{}
	}
	fn(state)
	return s.saveLocked(state)
}

// SetLastUser records the signed-in user.
func (s *Store) SetLastUser(username string) error {
	return s.update(func(st *ClientState) { st.LastUser = username })
}

// ForgetUser clears the last user and the snapshots that belonged to them.
func (s *Store) ForgetUser() error {
	return s.update(func(st *ClientState) {
		st.LastUser = ""
		st.Devices = nil
	})
}

// SaveSnapshots replaces the stored snapshots.
func (s *Store) SaveSnapshots(devices []shadow.State) error {
	return s.update(func(st *ClientState) {
		st.Devices = make([]shadow.State, len(devices))
		for i, d := range devices {
			st.Devices[i] = d.Clone()
		}
	})
}

// Clear removes the state file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
