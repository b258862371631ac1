package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/haikuports/kitchen/pkg/auth"
)

var (
	ErrNotFound    = errors.New("builder not found")
	ErrExists      = errors.New("builder already exists")
	ErrInvalidName = errors.New("illegal characters in builder name, valid ones are [A-Z][a-z][0-9]-_")
	ErrNoOwner     = errors.New("builder must have a named owner")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ConfigStore persists builder configuration in a single JSON document
// keyed by builder name.
type ConfigStore struct {
	path    string
	mu      sync.RWMutex
	configs map[string]Config
}

// OpenConfigStore loads path if it exists. A missing file yields an empty store.
func OpenConfigStore(path string) (*ConfigStore, error) {
	s := &ConfigStore{path: path, configs: make(map[string]Config)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConfigStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &s.configs); err != nil {
		return fmt.Errorf("parse builder config: %w", err)
	}
	if s.configs == nil {
		s.configs = make(map[string]Config)
	}
	return nil
}

func (s *ConfigStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(s.configs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Names returns all builder names in lexical order, which is also the
// builder-id order used by the scheduler.
func (s *ConfigStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *ConfigStore) Get(name string) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// Create registers a new builder and returns its freshly generated key.
// Only the salted hash is persisted.
func (s *ConfigStore) Create(name, owner string) (string, error) {
	if !validName.MatchString(name) {
		return "", ErrInvalidName
	}
	if owner == "" {
		return "", ErrNoOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[name]; ok {
		return "", ErrExists
	}
	key, keyHash, err := auth.NewKey()
	if err != nil {
		return "", err
	}
	s.configs[name] = Config{Owner: owner, KeyHash: keyHash}
	if err := s.save(); err != nil {
		delete(s.configs, name)
		return "", err
	}
	return key, nil
}

// Destroy drops all record of the named builder.
func (s *ConfigStore) Destroy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[name]
	if !ok {
		return ErrNotFound
	}
	delete(s.configs, name)
	if err := s.save(); err != nil {
		s.configs[name] = cfg
		return err
	}
	return nil
}
