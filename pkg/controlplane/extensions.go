package controlplane

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
)

// GetToolExtensions returns every tool extension.
func (s *Service) GetToolExtensions() config.ToolExtensions {
	extensions := s.Config().ToolExtensions
	if extensions.Services == nil {
		extensions.Services = map[string]map[string]config.ExtendedTool{}
	}

	return extensions
}

// AddToolExtension adds a child tool to tool of service. Child tool names
// are unique per service.
func (s *Service) AddToolExtension(
	ctx context.Context,
	service, tool string,
	extension config.ToolExtension,
) (config.ToolExtension, error) {
	if err := validateExtension(service, tool, extension); err != nil {
		return config.ToolExtension{}, err
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		key := serviceKey(current.ToolExtensions, service)

		for parent, extended := range current.ToolExtensions.Services[key] {
			if slices.ContainsFunc(extended.ChildTools, named(extension.Name)) {
				return config.Config{}, fmt.Errorf("%w: tool extension %q of %s/%s",
					ErrAlreadyExists, extension.Name, service, parent)
			}
		}

		tools := serviceTools(&current.ToolExtensions, key)
		extended := tools[tool]
		extended.ChildTools = append(extended.ChildTools, extension.Clone())
		tools[tool] = extended

		return current, nil
	})
	if err != nil {
		return config.ToolExtension{}, err
	}

	s.logger.Info("tool extension added",
		zap.String("service", service),
		zap.String("tool", tool),
		zap.String("extension", extension.Name),
	)

	return extension, nil
}

// UpdateToolExtension replaces the named child tool of tool on service. The
// name cannot change.
func (s *Service) UpdateToolExtension(
	ctx context.Context,
	service, tool, name string,
	update config.ToolExtension,
) (config.ToolExtension, error) {
	update.Name = name

	if err := validateExtension(service, tool, update); err != nil {
		return config.ToolExtension{}, err
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		tools := current.ToolExtensions.Services[serviceKey(current.ToolExtensions, service)]
		extended := tools[tool]

		index := slices.IndexFunc(extended.ChildTools, named(name))
		if index < 0 {
			return config.Config{}, fmt.Errorf("%w: tool extension %q of %s/%s", ErrNotFound, name, service, tool)
		}

		extended.ChildTools[index] = update.Clone()

		return current, nil
	})
	if err != nil {
		return config.ToolExtension{}, err
	}

	s.logger.Info("tool extension updated",
		zap.String("service", service),
		zap.String("tool", tool),
		zap.String("extension", name),
	)

	return update, nil
}

// DeleteToolExtension removes the named child tool of tool on service.
func (s *Service) DeleteToolExtension(ctx context.Context, service, tool, name string) error {
	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		key := serviceKey(current.ToolExtensions, service)
		tools := current.ToolExtensions.Services[key]
		extended := tools[tool]

		index := slices.IndexFunc(extended.ChildTools, named(name))
		if index < 0 {
			return config.Config{}, fmt.Errorf("%w: tool extension %q of %s/%s", ErrNotFound, name, service, tool)
		}

		extended.ChildTools = slices.Delete(extended.ChildTools, index, index+1)

		switch {
		case len(extended.ChildTools) > 0:
			tools[tool] = extended
		case len(tools) > 1:
			delete(tools, tool)
		default:
			delete(current.ToolExtensions.Services, key)
		}

		return current, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("tool extension deleted",
		zap.String("service", service),
		zap.String("tool", tool),
		zap.String("extension", name),
	)

	return nil
}

func named(name string) func(config.ToolExtension) bool {
	return func(extension config.ToolExtension) bool {
		return extension.Name == name
	}
}

// serviceKey returns the key service is stored under, or its normalized name
// for new services.
func serviceKey(extensions config.ToolExtensions, service string) string {
	normalized := config.NormalizeName(service)

	for key := range extensions.Services {
		if config.NormalizeName(key) == normalized {
			return key
		}
	}

	return normalized
}

func serviceTools(extensions *config.ToolExtensions, key string) map[string]config.ExtendedTool {
	if extensions.Services == nil {
		extensions.Services = map[string]map[string]config.ExtendedTool{}
	}

	tools, ok := extensions.Services[key]
	if !ok {
		tools = map[string]config.ExtendedTool{}
		extensions.Services[key] = tools
	}

	return tools
}

func validateExtension(service, tool string, extension config.ToolExtension) error {
	if strings.TrimSpace(service) == "" || strings.TrimSpace(tool) == "" {
		return fmt.Errorf("%w: service and tool names are required", ErrBadInput)
	}

	if err := extension.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadInput, err)
	}

	return nil
}
