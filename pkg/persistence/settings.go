package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SettingsVersion is the current version of the settings file format.
const SettingsVersion = 1

// ErrSettingsVersion is returned for a settings file written by a newer
// format version.
var ErrSettingsVersion = errors.New("unsupported settings version")

// Settings is the content of the settings file.
type Settings struct {
	// Version is the settings file format version.
	Version int `yaml:"version"`

	// SavedAt is when the settings were last saved.
	SavedAt time.Time `yaml:"saved_at"`

	// Groups holds one value map per instrument kind.
	Groups map[string]map[string]string `yaml:"groups,omitempty"`
}

// Get returns a value from a group.
func (s *Settings) Get(group, key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.Groups[group][key]
	return v, ok
}

// Set stores a value in a group. An empty value removes the key.
func (s *Settings) Set(group, key, value string) {
	if value == "" {
		if g, ok := s.Groups[group]; ok {
			delete(g, key)
			if len(g) == 0 {
				delete(s.Groups, group)
			}
		}
		return
	}
	if s.Groups == nil {
		s.Groups = make(map[string]map[string]string)
	}
	if s.Groups[group] == nil {
		s.Groups[group] = make(map[string]string)
	}
	s.Groups[group][key] = value
}

// Group returns a copy of a group.
func (s *Settings) Group(group string) map[string]string {
	if s == nil {
		return nil
	}
	return maps.Clone(s.Groups[group])
}

// SettingsStore manages persistence of settings to a YAML file.
type SettingsStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewSettingsStore creates a settings store backed by path.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path, now: time.Now}
}

// Path returns the settings file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Save persists the settings to disk.
func (s *SettingsStore) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	settings.Version = SettingsVersion
	settings.SavedAt = s.now().UTC()

	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0644)
}

// Load reads the settings from disk.
// Returns nil, nil if the file doesn't exist.
func (s *SettingsStore) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if settings.Version > SettingsVersion {
		return nil, fmt.Errorf("%w: %d", ErrSettingsVersion, settings.Version)
	}

	return settings, nil
}

// Update loads the settings, applies fn and saves the result. A missing
// file starts from empty settings.
func (s *SettingsStore) Update(fn func(*Settings)) error {
	settings, err := s.Load()
	if err != nil {
		return err
	}
	if settings == nil {
		settings = &Settings{}
	}
	fn(settings)
	return s.Save(settings)
}

// Clear removes the settings file.
func (s *SettingsStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
