package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

// ServerStore persists the list of target servers in a YAML file.
type ServerStore struct {
	path string
	lock *flock.Flock
}

// NewServerStore returns a store backed by path.
func NewServerStore(path string) *ServerStore {
	return &ServerStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the file backing the store.
func (s *ServerStore) Path() string {
	return s.path
}

// ReadTargetServers reads the servers file. A missing file is an empty list.
func (s *ServerStore) ReadTargetServers() ([]TargetServer, error) {
	if !fileExists(s.path) {
		return nil, nil
	}

	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	servers, err := LoadServers(s.path)
	if errors.Is(err, ErrConfigNotFound) {
		return nil, nil
	}

	return servers, err
}

// WriteTargetServers replaces the servers file with servers.
func (s *ServerStore) WriteTargetServers(servers []TargetServer) error {
	if err := ValidateServers(servers); err != nil {
		return err
	}

	data, err := yaml.Marshal(struct {
		Servers []TargetServer `yaml:"servers"`
	}{Servers: servers})
	if err != nil {
		return fmt.Errorf("failed to marshal servers: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), DirectoryPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}

	if err := tmp.Chmod(FilePermissions); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to chmod %s: %w", tmp.Name(), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
