package main

import (
	"context"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
)

type configReplacer interface {
	Config() config.Config
	ReplaceConfig(ctx context.Context, cfg config.Config) error
}

var configsEqual = cmp.Options{cmpopts.EquateEmpty()}

// applyConfigFile returns the watcher callback submitting edited
// configuration files. Files equal to the committed configuration, such as
// the ones the gateway writes itself, are ignored.
func applyConfigFile(ctx context.Context, logger *zap.Logger, replacer configReplacer) func(config.Config) {
	return func(cfg config.Config) {
		if cmp.Equal(replacer.Config(), cfg, configsEqual) {
			logger.Debug("configuration file unchanged")

			return
		}

		if err := replacer.ReplaceConfig(ctx, cfg); err != nil {
			logger.Error("failed to apply configuration file", zap.Error(err))

			return
		}

		logger.Info("configuration file applied")
	}
}
