package gateway

import (
	"context"
	"errors"

	"github.com/jkoelker/switchyard/pkg/config"
)

// ConsumerName is the name the gateway registers under with the config
// manager.
const ConsumerName = "Gateway"

// ErrNothingToCommit is returned by CommitConfig without a prepared config.
var ErrNothingToCommit = errors.New("no prepared gateway settings to commit")

// settings are the parts of the configuration the gateway publishes by.
type settings struct {
	attributes config.ServerAttributeSet
	extensions config.ToolExtensions
}

func (g *Gateway) current() settings {
	if current := g.settings.Load(); current != nil {
		return *current
	}

	return settings{}
}

// Name implements configmanager.Consumer.
func (g *Gateway) Name() string {
	return ConsumerName
}

// PrepareConfig stages the server attributes and tool extensions of cfg.
func (g *Gateway) PrepareConfig(_ context.Context, cfg config.Config) error {
	g.configMu.Lock()
	defer g.configMu.Unlock()

	g.next = nil
	g.committed = false

	if err := cfg.ToolExtensions.Validate(); err != nil {
		return err
	}

	g.next = &settings{
		attributes: cfg.TargetServerAttributes.Clone(),
		extensions: cfg.ToolExtensions.Clone(),
	}

	return nil
}

// CommitConfig swaps in the staged settings and queues a republish.
func (g *Gateway) CommitConfig(_ context.Context) error {
	g.configMu.Lock()
	defer g.configMu.Unlock()

	if g.next == nil {
		return ErrNothingToCommit
	}

	g.previous = g.settings.Swap(g.next)
	g.next = nil
	g.committed = true

	g.requestSync()

	return nil
}

// RollbackConfig drops the staged settings, or restores the previous ones
// if this transaction already committed.
func (g *Gateway) RollbackConfig() {
	g.configMu.Lock()
	defer g.configMu.Unlock()

	g.next = nil

	if g.committed {
		g.settings.Store(g.previous)
		g.committed = false

		g.requestSync()
	}
}
