package gateway

import (
	"fmt"
	"maps"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkoelker/switchyard/pkg/config"
)

// extendTool derives the child tool described by extension from parent.
// Fixed parameters stay in the schema but are no longer required.
func extendTool(parent mcp.Tool, extension config.ToolExtension) mcp.Tool {
	child := parent
	child.Name = extension.Name
	child.Description = extension.Description.Apply(parent.Description)

	if len(extension.OverrideParams) == 0 || parent.InputSchema.Properties == nil {
		return child
	}

	properties := make(map[string]any, len(parent.InputSchema.Properties))

	for name, property := range parent.InputSchema.Properties {
		override, ok := extension.OverrideParams[name]
		schema, isObject := property.(map[string]any)

		if !ok || !isObject {
			properties[name] = property

			continue
		}

		schema = maps.Clone(schema)
		description, _ := schema["description"].(string)
		description = override.Description.Apply(description)

		if override.Value != nil {
			fixed := &config.DescriptionOverride{
				Action: config.DescriptionAppend,
				Text:   fmt.Sprintf("Fixed to %v, any value passed is ignored.", override.Value),
			}
			description = fixed.Apply(description)
		}

		schema["description"] = description
		properties[name] = schema
	}

	child.InputSchema.Properties = properties
	child.InputSchema.Required = slices.DeleteFunc(slices.Clone(parent.InputSchema.Required), func(name string) bool {
		return extension.OverrideParams[name].Value != nil
	})

	return child
}

// mergeArguments returns arguments with every fixed value set.
func mergeArguments(arguments map[string]any, fixed map[string]any) map[string]any {
	merged := make(map[string]any, len(arguments)+len(fixed))
	maps.Copy(merged, arguments)
	maps.Copy(merged, fixed)

	return merged
}
