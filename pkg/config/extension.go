package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DescriptionAction says how an override changes a description.
type DescriptionAction string

const (
	// DescriptionAppend adds the text as a new sentence.
	DescriptionAppend DescriptionAction = "append"
	// DescriptionRewrite replaces the description.
	DescriptionRewrite DescriptionAction = "rewrite"
)

// DescriptionOverride changes the description of a tool or parameter.
type DescriptionOverride struct {
	Action DescriptionAction `json:"action" yaml:"action"`
	Text   string            `json:"text"   yaml:"text"`
}

// Apply returns original changed by the override. A nil override keeps it.
func (d *DescriptionOverride) Apply(original string) string {
	if d == nil {
		return original
	}

	trimmed := strings.TrimRight(original, " \t\n")
	if d.Action == DescriptionRewrite || trimmed == "" {
		return d.Text
	}

	if strings.HasSuffix(trimmed, ".") {
		return trimmed + " " + d.Text
	}

	return trimmed + ". " + d.Text
}

func (d *DescriptionOverride) validate() error {
	if d == nil {
		return nil
	}

	switch d.Action {
	case DescriptionAppend, DescriptionRewrite:
		return nil
	default:
		return fmt.Errorf("%w: unknown description action %q", ErrInvalidSchema, d.Action)
	}
}

// ParamOverride fixes the value of a tool parameter or changes its
// description.
type ParamOverride struct {
	Value       any                  `json:"value,omitempty"       yaml:"value,omitempty"`
	Description *DescriptionOverride `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolExtension is a child tool derived from a tool of a target server.
// Calls to it are forwarded to the parent tool with the fixed parameter
// values merged into the arguments.
type ToolExtension struct {
	Name           string                   `json:"name"                     yaml:"name"`
	Description    *DescriptionOverride     `json:"description,omitempty"    yaml:"description,omitempty"`
	OverrideParams map[string]ParamOverride `json:"overrideParams,omitempty" yaml:"overrideParams,omitempty"` //nolint:tagliatelle
}

// Clone creates a copy of the extension. Parameter values are shared.
func (x ToolExtension) Clone() ToolExtension {
	clone := ToolExtension{Name: x.Name, OverrideParams: maps.Clone(x.OverrideParams)}

	if x.Description != nil {
		description := *x.Description
		clone.Description = &description
	}

	return clone
}

// FixedParams returns the parameter values the extension fixes.
func (x ToolExtension) FixedParams() map[string]any {
	fixed := make(map[string]any)

	for name, param := range x.OverrideParams {
		if param.Value != nil {
			fixed[name] = param.Value
		}
	}

	return fixed
}

// Validate checks the extension name and every description override.
func (x ToolExtension) Validate() error {
	if strings.TrimSpace(x.Name) == "" {
		return fmt.Errorf("%w: tool extension name is required", ErrInvalidSchema)
	}

	if err := x.Description.validate(); err != nil {
		return fmt.Errorf("tool extension %q: %w", x.Name, err)
	}

	for _, name := range slices.Sorted(maps.Keys(x.OverrideParams)) {
		if err := x.OverrideParams[name].Description.validate(); err != nil {
			return fmt.Errorf("tool extension %q parameter %q: %w", x.Name, name, err)
		}
	}

	return nil
}

// ExtendedTool holds the child tools of one parent tool.
type ExtendedTool struct {
	ChildTools []ToolExtension `json:"childTools" yaml:"childTools"` //nolint:tagliatelle
}

// ToolExtensions maps service names and parent tool names to child tools.
type ToolExtensions struct {
	Services map[string]map[string]ExtendedTool `json:"services" yaml:"services"`
}

// Clone creates a deep copy of the extensions.
func (e ToolExtensions) Clone() ToolExtensions {
	if e.Services == nil {
		return ToolExtensions{}
	}

	clone := ToolExtensions{Services: make(map[string]map[string]ExtendedTool, len(e.Services))}

	for service, tools := range e.Services {
		clonedTools := make(map[string]ExtendedTool, len(tools))

		for tool, extended := range tools {
			children := make([]ToolExtension, len(extended.ChildTools))
			for i, child := range extended.ChildTools {
				children[i] = child.Clone()
			}

			clonedTools[tool] = ExtendedTool{ChildTools: children}
		}

		clone.Services[service] = clonedTools
	}

	return clone
}

// Service returns the extended tools of service, matched by normalized name.
func (e ToolExtensions) Service(service string) map[string]ExtendedTool {
	if tools, ok := e.Services[service]; ok {
		return tools
	}

	key := NormalizeName(service)

	for name, tools := range e.Services {
		if NormalizeName(name) == key {
			return tools
		}
	}

	return nil
}

// ChildTools returns the child tools of tool on service.
func (e ToolExtensions) ChildTools(service, tool string) []ToolExtension {
	return e.Service(service)[tool].ChildTools
}

// Validate checks every extension. Child tool names must be unique per
// service.
func (e ToolExtensions) Validate() error {
	for _, service := range slices.Sorted(maps.Keys(e.Services)) {
		seen := make(map[string]string)
		tools := e.Services[service]

		for _, tool := range slices.Sorted(maps.Keys(tools)) {
			for _, child := range tools[tool].ChildTools {
				if err := child.Validate(); err != nil {
					return fmt.Errorf("service %q tool %q: %w", service, tool, err)
				}

				if parent, ok := seen[child.Name]; ok {
					return fmt.Errorf("%w: service %q defines tool extension %q for both %q and %q",
						ErrInvalidSchema, service, child.Name, parent, tool)
				}

				seen[child.Name] = tool
			}
		}
	}

	return nil
}
