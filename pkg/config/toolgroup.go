package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

// AllTools is the wildcard selecting every tool a service exposes.
const AllTools = "*"

// ServiceTools selects tools of one service: either all of them or a list.
type ServiceTools struct {
	All   bool
	Tools []string
}

// Wildcard returns a ServiceTools selecting every tool.
func Wildcard() ServiceTools {
	return ServiceTools{All: true}
}

// Tools returns a ServiceTools selecting the named tools.
func Tools(names ...string) ServiceTools {
	return ServiceTools{Tools: names}
}

// Contains reports whether tool is selected.
func (s ServiceTools) Contains(tool string) bool {
	return s.All || slices.Contains(s.Tools, tool)
}

// Clone creates a deep copy of the selection.
func (s ServiceTools) Clone() ServiceTools {
	return ServiceTools{All: s.All, Tools: slices.Clone(s.Tools)}
}

func (s ServiceTools) value() any {
	if s.All {
		return AllTools
	}

	if s.Tools == nil {
		return []string{}
	}

	return s.Tools
}

// MarshalJSON implements the json.Marshaler interface.
func (s ServiceTools) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (s ServiceTools) MarshalYAML() (any, error) {
	return s.value(), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *ServiceTools) UnmarshalJSON(data []byte) error {
	return s.unmarshal(func(target any) error {
		return json.Unmarshal(data, target)
	})
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (s *ServiceTools) UnmarshalYAML(value *yaml.Node) error {
	return s.unmarshal(value.Decode)
}

func (s *ServiceTools) unmarshal(decode func(target any) error) error {
	var wildcard string
	if err := decode(&wildcard); err == nil {
		if wildcard != AllTools {
			return fmt.Errorf("%w: service tools must be %q or a list, got %q", ErrInvalidSchema, AllTools, wildcard)
		}

		*s = Wildcard()

		return nil
	}

	var tools []string
	if err := decode(&tools); err != nil {
		return fmt.Errorf("%w: service tools must be %q or a list of tool names", ErrInvalidSchema, AllTools)
	}

	*s = Tools(tools...)

	return nil
}

// ToolGroup is a named set of tools across services.
type ToolGroup struct {
	Name     string                  `json:"name"     yaml:"name"`
	Services map[string]ServiceTools `json:"services" yaml:"services"`
}

// Clone creates a deep copy of the tool group.
func (g ToolGroup) Clone() ToolGroup {
	clone := ToolGroup{Name: g.Name}

	if g.Services != nil {
		clone.Services = make(map[string]ServiceTools, len(g.Services))
		for service, tools := range g.Services {
			clone.Services[service] = tools.Clone()
		}
	}

	return clone
}

// Contains reports whether the group selects tool of service.
func (g ToolGroup) Contains(service, tool string) bool {
	tools, ok := g.Services[service]

	return ok && tools.Contains(tool)
}

// ServiceNames returns the sorted service names of the group.
func (g ToolGroup) ServiceNames() []string {
	return slices.Sorted(maps.Keys(g.Services))
}
