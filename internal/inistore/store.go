// Package inistore persists the small set of local-only parameters a
// charge point must read before it has any network connectivity at all:
// its own identity, the boot-time connection URL, and the security
// profile to dial with. Everything else that must survive a restart goes
// through internal/storage; this store exists because those parameters
// are needed to even reach the Redis instance internal/storage talks to.
package inistore

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/ini.v1"
)

// Store wraps an INI file, writing through to disk on every Set so a
// power loss between calls never loses more than the last write.
type Store struct {
	mu   sync.Mutex
	path string
	file *ini.File
}

// Open loads path if it exists, or starts from an empty file otherwise.
func Open(path string) (*Store, error) {
	var file *ini.File
	var err error
	if fileExists(path) {
		file, err = ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("inistore: loading %s: %w", path, err)
		}
	} else {
		file = ini.Empty()
	}
	return &Store{path: path, file: file}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Get reads section/key, returning def if unset.
func (s *Store) Get(section, key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Section(section).Key(key).MustString(def)
}

// GetInt reads section/key as an integer, returning def if unset or
// unparsable.
func (s *Store) GetInt(section, key string, def int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Section(section).Key(key).MustInt(def)
}

// GetBool reads section/key as a boolean, returning def if unset or
// unparsable.
func (s *Store) GetBool(section, key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Section(section).Key(key).MustBool(def)
}

// Set writes section/key and immediately persists the file to disk.
func (s *Store) Set(section, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Section(section).Key(key).SetValue(value)
	return s.file.SaveTo(s.path)
}

// SetInt writes section/key as an integer and immediately persists.
func (s *Store) SetInt(section, key string, value int) error {
	return s.Set(section, key, fmt.Sprintf("%d", value))
}

// Sections lists every section name currently present, excluding the
// implicit default section.
func (s *Store) Sections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, sec := range s.file.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		names = append(names, sec.Name())
	}
	return names
}

// Identity is the minimal set of parameters a charge point needs before
// any network connectivity: who it is and where to dial.
type Identity struct {
	ChargePointID   string
	ConnectionURL   string
	SecurityProfile int
}

// LoadIdentity reads the [identity] section, falling back to empty strings
// for unset identity and URL and to security profile 1 when it is unset.
func (s *Store) LoadIdentity() Identity {
	return Identity{
		ChargePointID:   s.Get("identity", "charge_point_id", ""),
		ConnectionURL:   s.Get("identity", "connection_url", ""),
		SecurityProfile: s.GetInt("identity", "security_profile", 1),
	}
}

// SaveIdentity persists id to the [identity] section.
func (s *Store) SaveIdentity(id Identity) error {
	if err := s.Set("identity", "charge_point_id", id.ChargePointID); err != nil {
		return err
	}
	if err := s.Set("identity", "connection_url", id.ConnectionURL); err != nil {
		return err
	}
	return s.SetInt("identity", "security_profile", id.SecurityProfile)
}
