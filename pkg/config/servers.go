package config

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

//go:embed servers.yaml
var embeddedServers embed.FS

var (
	// ErrConfigNotFound is returned when a configuration file is not found.
	ErrConfigNotFound = errors.New("config not found")

	// ErrInvalidSchema is returned when a configuration file is malformed.
	ErrInvalidSchema = errors.New("invalid config schema")
)

const (
	// DirectoryPermissions are set to 0755.
	DirectoryPermissions = 0o755

	// FilePermissions are set to 0644.
	FilePermissions = 0o644
)

const (
	// DefaultServersFileName is the default name for the target servers file.
	DefaultServersFileName = "servers.yaml"

	// DefaultConfigDirName is the default directory name for config files.
	DefaultConfigDirName = "switchyard"
)

// serversFile is the on-disk layout of a target servers file. Entries are
// either inline servers or paths of files to include.
type serversFile struct {
	Servers []any `json:"servers" yaml:"servers"`
}

// claudeConfig represents Claude Desktop's configuration structure.
type claudeConfig struct {
	MCPServers map[string]TargetServer `json:"mcpServers"` //nolint:tagliatelle
}

type loadOptions struct {
	getUserConfigDir func() (string, error)
}

// WithUserConfigDir sets the function to get the user's config directory.
func WithUserConfigDir(fn func() (string, error)) func(*loadOptions) {
	return func(opts *loadOptions) {
		opts.getUserConfigDir = fn
	}
}

// DefaultServersPath returns the servers file path used when none is given.
// The example servers file is written there on first use.
func DefaultServersPath(opts ...func(*loadOptions)) (string, error) {
	options := &loadOptions{
		getUserConfigDir: os.UserConfigDir,
	}

	for _, opt := range opts {
		opt(options)
	}

	configDir, err := options.getUserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	path := filepath.Join(configDir, DefaultConfigDirName, DefaultServersFileName)
	if fileExists(path) {
		return path, nil
	}

	if err := createExampleServers(path); err != nil {
		return "", fmt.Errorf("could not create example servers file: %w", err)
	}

	return path, nil
}

// LoadServers loads the target servers from the specified path.
func LoadServers(path string) ([]TargetServer, error) {
	if !fileExists(path) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}

	servers, err := loadServersFile(path)
	if err != nil {
		return nil, err
	}

	if err := ValidateServers(servers); err != nil {
		return nil, err
	}

	return servers, nil
}

func loadServersFile(path string) ([]TargetServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file %s: %w", path, err)
	}

	var file serversFile

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var claude claudeConfig
		if err := json.Unmarshal(data, &claude); err == nil && len(claude.MCPServers) > 0 {
			return convertClaudeConfig(claude), nil
		}

		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, path, err)
		}
	} else if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, path, err)
	}

	return processServers(file, filepath.Dir(path))
}

// processServers expands includes and decodes inline entries.
func processServers(file serversFile, baseDir string) ([]TargetServer, error) {
	var servers []TargetServer

	for _, entry := range file.Servers {
		switch value := entry.(type) {
		case string:
			included, err := loadServersFile(resolveIncludePath(value, baseDir))
			if err != nil {
				return nil, err
			}

			servers = append(servers, included...)
		case map[string]any:
			data, err := yaml.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal server config: %w", err)
			}

			var server TargetServer
			if err := yaml.Unmarshal(data, &server); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
			}

			servers = append(servers, server)
		default:
			return nil, fmt.Errorf("%w: unsupported server entry: %T", ErrInvalidSchema, value)
		}
	}

	return servers, nil
}

// resolveIncludePath expands ~ and resolves relative paths against baseDir.
func resolveIncludePath(path string, baseDir string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// convertClaudeConfig converts a Claude Desktop config to target servers,
// sorted by name so repeated loads are stable.
func convertClaudeConfig(claude claudeConfig) []TargetServer {
	names := make([]string, 0, len(claude.MCPServers))
	for name := range claude.MCPServers {
		names = append(names, name)
	}

	sort.Strings(names)

	servers := make([]TargetServer, 0, len(names))

	for _, name := range names {
		server := claude.MCPServers[name]
		if server.Name == "" {
			server.Name = name
		}

		if server.Type == "" && server.URL == "" {
			server.Type = ServerTypeStdio
		}

		servers = append(servers, server)
	}

	return servers
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return !info.IsDir()
}

func createExampleServers(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), DirectoryPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := embeddedServers.ReadFile(DefaultServersFileName)
	if err != nil {
		return fmt.Errorf("failed to read embedded servers file: %w", err)
	}

	if err := os.WriteFile(path, data, FilePermissions); err != nil {
		return fmt.Errorf("failed to write example servers file: %w", err)
	}

	return nil
}
