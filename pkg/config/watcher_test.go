package config_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkoelker/switchyard/pkg/config"
)

func TestWatcher(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, config.SaveAppConfig(path, config.DefaultConfig()))

	watcher, err := config.NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	defer watcher.Close()

	watcher.SetDebounceInterval(50 * time.Millisecond)

	changes := make(chan config.Config, 4)
	watcher.OnChange(func(cfg config.Config) {
		changes <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, watcher.Start(ctx))

	updated := sampleConfig()
	require.NoError(t, config.SaveAppConfig(path, updated))

	select {
	case cfg := <-changes:
		assert.Equal(t, updated, cfg)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config change")
	}
}
