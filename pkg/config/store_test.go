package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/switchyard/pkg/config"
)

func TestServerStore(t *testing.T) {
	t.Parallel()

	store := config.NewServerStore(filepath.Join(t.TempDir(), "state", "servers.yaml"))

	servers, err := store.ReadTargetServers()
	require.NoError(t, err)
	assert.Empty(t, servers)

	want := []config.TargetServer{
		{
			Name:    "fs",
			Type:    config.ServerTypeStdio,
			Command: "npx",
			Args:    []string{"-y", "server-filesystem"},
			Env:     map[string]config.EnvValue{"TOKEN": config.FromEnv("FS_TOKEN")},
		},
		{
			Name:    "linear",
			Type:    config.ServerTypeStreamableHTTP,
			URL:     "https://mcp.example.com/mcp",
			Headers: map[string]string{"X-Team": "a"},
		},
	}

	require.NoError(t, store.WriteTargetServers(want))

	servers, err = store.ReadTargetServers()
	require.NoError(t, err)
	assert.Equal(t, want, servers)
}

func TestServerStoreRejectsInvalid(t *testing.T) {
	t.Parallel()

	store := config.NewServerStore(filepath.Join(t.TempDir(), "servers.yaml"))

	err := store.WriteTargetServers([]config.TargetServer{{Name: "remote", Type: config.ServerTypeSSE}})
	require.ErrorIs(t, err, config.ErrInvalidSchema)

	path := store.Path()
	writeFile(t, path, "servers:\n  - 42\n")

	_, err = store.ReadTargetServers()
	require.ErrorIs(t, err, config.ErrInvalidSchema)
}
