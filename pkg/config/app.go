package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

// DefaultAppConfigFileName is the default name for the gateway config file.
const DefaultAppConfigFileName = "app.yaml"

// Config is the versioned gateway configuration: tool groups and the
// permissions referencing them, plus per-server attributes and tool
// extensions.
type Config struct {
	ToolGroups             []ToolGroup        `json:"toolGroups"             yaml:"toolGroups"`             //nolint:tagliatelle
	Permissions            Permissions        `json:"permissions"            yaml:"permissions"`
	TargetServerAttributes ServerAttributeSet `json:"targetServerAttributes" yaml:"targetServerAttributes"` //nolint:tagliatelle
	ToolExtensions         ToolExtensions     `json:"toolExtensions"         yaml:"toolExtensions"`         //nolint:tagliatelle
}

// DefaultConfig allows every consumer to call every tool.
func DefaultConfig() Config {
	return Config{
		ToolGroups: []ToolGroup{},
		Permissions: Permissions{
			Default:   DefaultAllow(),
			Consumers: map[string]ConsumerConfig{},
		},
		TargetServerAttributes: ServerAttributeSet{},
		ToolExtensions:         ToolExtensions{Services: map[string]map[string]ExtendedTool{}},
	}
}

// Clone creates a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := Config{
		Permissions:            c.Permissions.Clone(),
		TargetServerAttributes: c.TargetServerAttributes.Clone(),
		ToolExtensions:         c.ToolExtensions.Clone(),
	}

	if c.ToolGroups != nil {
		clone.ToolGroups = make([]ToolGroup, len(c.ToolGroups))
		for i, group := range c.ToolGroups {
			clone.ToolGroups[i] = group.Clone()
		}
	}

	if clone.Permissions.Consumers == nil {
		clone.Permissions.Consumers = map[string]ConsumerConfig{}
	}

	return clone
}

// ToolGroup returns the named tool group.
func (c Config) ToolGroup(name string) (ToolGroup, bool) {
	for _, group := range c.ToolGroups {
		if group.Name == name {
			return group, true
		}
	}

	return ToolGroup{}, false
}

// LoadAppConfig loads the gateway configuration from path.
func LoadAppConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}

		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseAppConfig(data, isJSON(path))
}

// ParseAppConfig decodes a gateway configuration document.
func ParseAppConfig(data []byte, asJSON bool) (Config, error) {
	cfg := DefaultConfig()

	var err error
	if asJSON {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}

	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	if cfg.ToolGroups == nil {
		cfg.ToolGroups = []ToolGroup{}
	}

	if cfg.Permissions.Consumers == nil {
		cfg.Permissions.Consumers = map[string]ConsumerConfig{}
	}

	if cfg.Permissions.Default.Type == "" {
		cfg.Permissions.Default = DefaultAllow()
	}

	if cfg.TargetServerAttributes == nil {
		cfg.TargetServerAttributes = ServerAttributeSet{}
	}

	if cfg.ToolExtensions.Services == nil {
		cfg.ToolExtensions.Services = map[string]map[string]ExtendedTool{}
	}

	if err := cfg.ToolExtensions.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SaveAppConfig writes the gateway configuration to path.
func SaveAppConfig(path string, cfg Config) error {
	var (
		data []byte
		err  error
	)

	if isJSON(path) {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), DirectoryPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeFileAtomic(path, data)
}

func isJSON(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".json"
}
