package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

// Container runs a stdio server inside a container image instead of on the
// host. It may be written as just the image name.
type Container struct {
	Image   string            `json:"image"             yaml:"image"`
	Volumes map[string]string `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Network string            `json:"network,omitempty" yaml:"network,omitempty"`
	User    string            `json:"user,omitempty"    yaml:"user,omitempty"`
	WorkDir string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Args    []string          `json:"args,omitempty"    yaml:"args,omitempty"`
}

// Clone creates a deep copy of the Container configuration.
func (c *Container) Clone() *Container {
	if c == nil {
		return nil
	}

	clone := *c
	clone.Volumes = maps.Clone(c.Volumes)
	clone.Args = slices.Clone(c.Args)

	return &clone
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Container) UnmarshalYAML(value *yaml.Node) error {
	return c.unmarshal(value.Decode)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *Container) UnmarshalJSON(data []byte) error {
	return c.unmarshal(func(target any) error {
		return json.Unmarshal(data, target)
	})
}

func (c *Container) unmarshal(decode func(target any) error) error {
	var image string
	if err := decode(&image); err == nil {
		*c = Container{Image: image}

		return nil
	}

	type containerAlias Container

	var container containerAlias
	if err := decode(&container); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	if container.Image == "" {
		return fmt.Errorf("%w: container image is required", ErrInvalidSchema)
	}

	*c = Container(container)

	return nil
}
