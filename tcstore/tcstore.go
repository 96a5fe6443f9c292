// Package tcstore persists the port flags which must survive a restart of
// the power delivery engine: whether an explicit contract was in place and
// the roles the port held.
//
// The file format is a small CBOR map. A missing file means no saved flags.
package tcstore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/lumenlamp/go-typec/pdmsg"
)

// FlagsVersion is the current version of the flags file format.
const FlagsVersion = 1

// ErrVersion is returned by FileStore.Load for a file written by an
// incompatible version.
var ErrVersion = errors.New("tcstore: unsupported flags version")

// Flags is the saved port state.
type Flags struct {
	Version          int             `cbor:"1,keyasint"`
	ExplicitContract bool            `cbor:"2,keyasint"`
	PowerRole        pdmsg.PowerRole `cbor:"3,keyasint"`
	DataRole         pdmsg.DataRole  `cbor:"4,keyasint"`
	VconnOn          bool            `cbor:"5,keyasint"`
}

// Store loads and saves port flags.
type Store interface {
	// Load returns the saved flags, or the zero Flags if none were saved.
	Load() (Flags, error)

	// Save replaces the saved flags.
	Save(Flags) error
}

// FileStore keeps the flags in a file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the file at path. The file and its
// directory are created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes f to the file, replacing it atomically.
func (s *FileStore) Save(f Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	f.Version = FlagsVersion
	data, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the flags from the file.
func (s *FileStore) Load() (Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Flags{}, nil
	}
	if err != nil {
		return Flags{}, err
	}
	var f Flags
	if err := cbor.Unmarshal(data, &f); err != nil {
		return Flags{}, err
	}
	if f.Version != FlagsVersion {
		return Flags{}, ErrVersion
	}
	return f, nil
}

// Clear removes the file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryStore keeps the flags in memory. The zero value is ready to use.
type MemoryStore struct {
	mu    sync.Mutex
	f     Flags
	saves int
}

// Load implements Store.
func (s *MemoryStore) Load() (Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f, nil
}

// Save implements Store.
func (s *MemoryStore) Save(f Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Version = FlagsVersion
	s.f = f
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
