package controlplane

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
)

// GetTargetServerAttributes returns the attributes of every server keyed by
// normalized name.
func (s *Service) GetTargetServerAttributes() config.ServerAttributeSet {
	attributes := s.Config().TargetServerAttributes
	if attributes == nil {
		return config.ServerAttributeSet{}
	}

	return attributes
}

// ActivateTargetServer exposes the tools of a server to agents again.
func (s *Service) ActivateTargetServer(ctx context.Context, name string) error {
	return s.setInactive(ctx, name, false)
}

// DeactivateTargetServer hides the tools of a server from agents. The
// server stays connected.
func (s *Service) DeactivateTargetServer(ctx context.Context, name string) error {
	return s.setInactive(ctx, name, true)
}

func (s *Service) setInactive(ctx context.Context, name string, inactive bool) error {
	key := config.NormalizeName(name)
	if key == "" {
		return fmt.Errorf("%w: target server name is required", ErrBadInput)
	}

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		if current.TargetServerAttributes == nil {
			current.TargetServerAttributes = config.ServerAttributeSet{}
		}

		attributes := current.TargetServerAttributes[key]
		attributes.Inactive = inactive
		current.TargetServerAttributes[key] = attributes

		return current, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("target server attributes updated", zap.String("server", key), zap.Bool("inactive", inactive))

	return nil
}

// RemoveTargetServerAttribute drops the attributes of a server, which makes
// it active.
func (s *Service) RemoveTargetServerAttribute(ctx context.Context, name string) error {
	key := config.NormalizeName(name)

	err := s.edit(ctx, func(current config.Config) (config.Config, error) {
		if _, ok := current.TargetServerAttributes[key]; !ok {
			return config.Config{}, fmt.Errorf("%w: attributes of target server %q", ErrNotFound, name)
		}

		delete(current.TargetServerAttributes, key)

		return current, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("target server attributes removed", zap.String("server", key))

	return nil
}
