// Package controlplane edits the gateway configuration. Every edit builds a
// whole new configuration and submits it as one transaction.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
)

var (
	// ErrNotFound is returned when the edited entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a name is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrBadInput is returned for malformed entities.
	ErrBadInput = errors.New("bad input")
)

// ConfigManager applies configurations transactionally.
type ConfigManager interface {
	Current() config.Config
	Version() int
	LastModified() time.Time
	UpdateConfig(ctx context.Context, cfg config.Config) error
}

// Service serializes configuration edits.
type Service struct {
	logger  *zap.Logger
	configs ConfigManager

	mu sync.Mutex
}

// NewService returns a Service editing the configuration of configs.
func NewService(logger *zap.Logger, configs ConfigManager) *Service {
	return &Service{logger: logger.Named("control-plane"), configs: configs}
}

// Config returns a copy of the committed configuration.
func (s *Service) Config() config.Config {
	return s.configs.Current().Clone()
}

// Version returns the version of the committed configuration.
func (s *Service) Version() int {
	return s.configs.Version()
}

// LastModified returns when the configuration was last committed.
func (s *Service) LastModified() time.Time {
	return s.configs.LastModified()
}

// ReplaceConfig submits cfg as a whole.
func (s *Service) ReplaceConfig(ctx context.Context, cfg config.Config) error {
	return s.edit(ctx, func(current config.Config) (config.Config, error) {
		for _, group := range cfg.ToolGroups {
			if err := validateToolGroup(group); err != nil {
				return config.Config{}, err
			}
		}

		if err := validateConsumer("default", cfg.Permissions.Default); err != nil {
			return config.Config{}, err
		}

		for name, consumer := range cfg.Permissions.Consumers {
			if err := validateConsumer(name, consumer); err != nil {
				return config.Config{}, err
			}
		}

		if err := cfg.ToolExtensions.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("%w: %w", ErrBadInput, err)
		}

		return cfg.Clone(), nil
	})
}

// edit applies fn to a copy of the committed configuration and submits the
// result while holding the edit lock.
func (s *Service) edit(ctx context.Context, fn func(current config.Config) (config.Config, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.configs.Current().Clone())
	if err != nil {
		return err
	}

	return s.configs.UpdateConfig(ctx, next)
}

// ListToolGroups returns every tool group.
func (s *Service) ListToolGroups() []config.ToolGroup {
	return s.Config().ToolGroups
}

// GetToolGroup returns the named tool group.
func (s *Service) GetToolGroup(name string) (config.ToolGroup, error) {
	group, ok := s.Config().ToolGroup(name)
	if !ok {
		return config.ToolGroup{}, fmt.Errorf("%w: tool group %q", ErrNotFound, name)
	}

	return group, nil
}

// AddToolGroup adds a tool group with a new name.
func (s *Service) AddToolGroup(ctx context.Context, group config.ToolGroup) (config.ToolGroup, error) {
	if err := validateToolGroup(group); err != nil {
		return config.ToolGroup{}, err
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		if _, ok := current.ToolGroup(group.Name); ok {
			return config.Config{}, fmt.Errorf("%w: tool group %q", ErrAlreadyExists, group.Name)
		}

		current.ToolGroups = append(current.ToolGroups, group.Clone())

		return current, nil
	})
	if err != nil {
		return config.ToolGroup{}, err
	}

	s.logger.Info("tool group added", zap.String("group", group.Name))

	return group, nil
}

// UpdateToolGroup replaces the named tool group. When update carries a
// different name the group is renamed and every permission referencing it
// follows.
func (s *Service) UpdateToolGroup(ctx context.Context, name string, update config.ToolGroup) (config.ToolGroup, error) {
	if update.Name == "" {
		update.Name = name
	}

	if err := validateToolGroup(update); err != nil {
		return config.ToolGroup{}, err
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		index := slices.IndexFunc(current.ToolGroups, func(group config.ToolGroup) bool {
			return group.Name == name
		})
		if index < 0 {
			return config.Config{}, fmt.Errorf("%w: tool group %q", ErrNotFound, name)
		}

		if update.Name != name {
			if _, ok := current.ToolGroup(update.Name); ok {
				return config.Config{}, fmt.Errorf("%w: tool group name %q is already in use", ErrAlreadyExists, update.Name)
			}

			current.Permissions = renameGroup(current.Permissions, name, update.Name)
		}

		current.ToolGroups[index] = update.Clone()

		return current, nil
	})
	if err != nil {
		return config.ToolGroup{}, err
	}

	if update.Name != name {
		s.logger.Info("tool group renamed", zap.String("group", name), zap.String("name", update.Name))
	} else {
		s.logger.Info("tool group updated", zap.String("group", name))
	}

	return update, nil
}

// DeleteToolGroup removes the named tool group. Groups still referenced by
// a permission are rejected by the permission consumer.
func (s *Service) DeleteToolGroup(ctx context.Context, name string) error {
	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		index := slices.IndexFunc(current.ToolGroups, func(group config.ToolGroup) bool {
			return group.Name == name
		})
		if index < 0 {
			return config.Config{}, fmt.Errorf("%w: tool group %q", ErrNotFound, name)
		}

		current.ToolGroups = slices.Delete(current.ToolGroups, index, index+1)

		return current, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("tool group deleted", zap.String("group", name))

	return nil
}

// GetPermissions returns the default policy and every consumer policy.
func (s *Service) GetPermissions() config.Permissions {
	return s.Config().Permissions
}

// UpdateDefaultPermission replaces the policy of unknown consumers.
func (s *Service) UpdateDefaultPermission(ctx context.Context, policy config.ConsumerConfig) (config.ConsumerConfig, error) {
	if err := validateConsumer("default", policy); err != nil {
		return config.ConsumerConfig{}, err
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		current.Permissions.Default = policy.Clone()

		return current, nil
	})
	if err != nil {
		return config.ConsumerConfig{}, err
	}

	s.logger.Info("default permission updated", zap.String("type", string(policy.Type)))

	return policy, nil
}

// GetPermissionConsumer returns the policy of the named consumer.
func (s *Service) GetPermissionConsumer(name string) (config.ConsumerConfig, error) {
	policy, ok := s.Config().Permissions.Consumers[name]
	if !ok {
		return config.ConsumerConfig{}, fmt.Errorf("%w: permission consumer %q", ErrNotFound, name)
	}

	return policy, nil
}

// AddPermissionConsumer adds the policy of a new consumer.
func (s *Service) AddPermissionConsumer(
	ctx context.Context,
	name string,
	policy config.ConsumerConfig,
) (config.ConsumerConfig, error) {
	if err := validateConsumer(name, policy); err != nil {
		return config.ConsumerConfig{}, err
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		if _, ok := current.Permissions.Consumers[name]; ok {
			return config.Config{}, fmt.Errorf("%w: permission consumer %q", ErrAlreadyExists, name)
		}

		current.Permissions.Consumers[name] = policy.Clone()

		return current, nil
	})
	if err != nil {
		return config.ConsumerConfig{}, err
	}

	s.logger.Info("permission consumer added", zap.String("consumer", name))

	return policy, nil
}

// UpdatePermissionConsumer replaces the policy of an existing consumer.
func (s *Service) UpdatePermissionConsumer(
	ctx context.Context,
	name string,
	policy config.ConsumerConfig,
) (config.ConsumerConfig, error) {
	if err := validateConsumer(name, policy); err != nil {
		return config.ConsumerConfig{}, err
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		if _, ok := current.Permissions.Consumers[name]; !ok {
			return config.Config{}, fmt.Errorf("%w: permission consumer %q", ErrNotFound, name)
		}

		current.Permissions.Consumers[name] = policy.Clone()

		return current, nil
	})
	if err != nil {
		return config.ConsumerConfig{}, err
	}

	s.logger.Info("permission consumer updated", zap.String("consumer", name))

	return policy, nil
}

// DeletePermissionConsumer removes the policy of a consumer.
func (s *Service) DeletePermissionConsumer(ctx context.Context, name string) error {
	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		if _, ok := current.Permissions.Consumers[name]; !ok {
			return config.Config{}, fmt.Errorf("%w: permission consumer %q", ErrNotFound, name)
		}

		delete(current.Permissions.Consumers, name)

		return current, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("permission consumer deleted", zap.String("consumer", name))

	return nil
}

func renameGroup(permissions config.Permissions, from, to string) config.Permissions {
	renamed := config.Permissions{
		Default:   permissions.Default.RenameGroup(from, to),
		Consumers: make(map[string]config.ConsumerConfig, len(permissions.Consumers)),
	}

	for name, consumer := range permissions.Consumers {
		renamed.Consumers[name] = consumer.RenameGroup(from, to)
	}

	return renamed
}

func validateToolGroup(group config.ToolGroup) error {
	if strings.TrimSpace(group.Name) == "" {
		return fmt.Errorf("%w: tool group name is required", ErrBadInput)
	}

	if len(group.Services) == 0 {
		return fmt.Errorf("%w: tool group %q has no services", ErrBadInput, group.Name)
	}

	for _, service := range slices.Sorted(maps.Keys(group.Services)) {
		if strings.TrimSpace(service) == "" {
			return fmt.Errorf("%w: tool group %q has an empty service name", ErrBadInput, group.Name)
		}
	}

	return nil
}

func validateConsumer(name string, policy config.ConsumerConfig) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: consumer name is required", ErrBadInput)
	}

	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: consumer %q: %w", ErrBadInput, name, err)
	}

	return nil
}
