package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/config"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	empty, err := catalog.Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, catalog.Catalog{}, empty)

	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strict: true
servers:
  - name: slack
    approvedTools: [read, send]
  - name: time
`), config.FilePermissions))

	loaded, err := catalog.Load(path)
	require.NoError(t, err)
	assert.Equal(t, catalog.Catalog{
		Strict: true,
		Servers: []catalog.Entry{
			{Name: "slack", ApprovedTools: []string{"read", "send"}},
			{Name: "time"},
		},
	}, loaded)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"strict": "maybe"}`), config.FilePermissions))

	_, err = catalog.Load(broken)
	require.ErrorIs(t, err, config.ErrInvalidSchema)
}

func TestApproval(t *testing.T) {
	t.Parallel()

	manager := catalog.NewManager(zaptest.NewLogger(t), catalog.Catalog{
		Servers: []catalog.Entry{{Name: "Slack", ApprovedTools: []string{"read"}}},
	})

	assert.True(t, manager.IsServerApproved("anything"))
	assert.True(t, manager.IsToolApproved("slack", "read"))
	assert.False(t, manager.IsToolApproved("slack", "Read"))
	assert.False(t, manager.IsToolApproved("slack", "delete"))
	assert.True(t, manager.IsToolApproved("linear", "delete"))

	manager.SetCatalog(catalog.Catalog{
		Strict:  true,
		Servers: []catalog.Entry{{Name: "Slack", ApprovedTools: []string{"read"}}},
	})

	assert.True(t, manager.IsServerApproved("slack"))
	assert.False(t, manager.IsServerApproved("anything"))
}

func TestSetCatalogNotifiesChanges(t *testing.T) {
	t.Parallel()

	manager := catalog.NewManager(zaptest.NewLogger(t), catalog.Catalog{
		Servers: []catalog.Entry{
			{Name: "slack", ApprovedTools: []string{"read", "send"}},
			{Name: "time"},
			{Name: "linear"},
		},
	})

	var changes []catalog.Change

	unsubscribe := manager.Subscribe(func(change catalog.Change) {
		changes = append(changes, change)
	})

	change := manager.SetCatalog(catalog.Catalog{
		Servers: []catalog.Entry{
			{Name: "slack", ApprovedTools: []string{"send", "read"}},
			{Name: "linear", ApprovedTools: []string{}},
		},
	})
	assert.Equal(t, catalog.Change{RemovedServers: []string{"time"}}, change)

	manager.SetCatalog(catalog.Catalog{
		Strict: true,
		Servers: []catalog.Entry{
			{Name: "slack", ApprovedTools: []string{"read"}},
			{Name: "linear"},
		},
	})

	require.Len(t, changes, 2)
	assert.Equal(t, catalog.Change{
		ServerApprovedToolsChanged: []string{"slack"},
		StrictnessChanged:          true,
	}, changes[1])

	unsubscribe()

	manager.SetCatalog(catalog.Catalog{})
	assert.Len(t, changes, 2)

	assert.Equal(t, catalog.Catalog{Servers: []catalog.Entry{}}, manager.Catalog())
}

func TestSetCatalogWithoutChangesIsSilent(t *testing.T) {
	t.Parallel()

	initial := catalog.Catalog{Servers: []catalog.Entry{{Name: "time"}}}
	manager := catalog.NewManager(zaptest.NewLogger(t), initial)

	called := false
	manager.Subscribe(func(catalog.Change) { called = true })

	assert.True(t, manager.SetCatalog(initial).Empty())
	assert.False(t, called)
	assert.Equal(t, initial, manager.Catalog())
}
