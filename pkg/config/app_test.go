package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/switchyard/pkg/config"
)

func sampleConfig() config.Config {
	return config.Config{
		ToolGroups: []config.ToolGroup{
			{Name: "read", Services: map[string]config.ServiceTools{"slack": config.Tools("read-message")}},
			{Name: "all-slack", Services: map[string]config.ServiceTools{"slack": config.Wildcard()}},
		},
		Permissions: config.Permissions{
			Default: config.DefaultBlock("read"),
			Consumers: map[string]config.ConsumerConfig{
				"admin":  config.DefaultAllow(),
				"writer": config.DefaultBlock("read", "all-slack"),
			},
		},
		TargetServerAttributes: config.ServerAttributeSet{"linear": {Inactive: true}},
		ToolExtensions: config.ToolExtensions{
			Services: map[string]map[string]config.ExtendedTool{
				"slack": {
					"send-message": {ChildTools: []config.ToolExtension{{
						Name:        "announce",
						Description: &config.DescriptionOverride{Action: config.DescriptionAppend, Text: "Posts to #general."},
						OverrideParams: map[string]config.ParamOverride{
							"channel": {Value: "general"},
						},
					}}},
				},
			},
		},
	}
}

func TestAppConfigRoundTrip(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"app.yaml", "app.json"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, config.SaveAppConfig(path, sampleConfig()))

			loaded, err := config.LoadAppConfig(path)
			require.NoError(t, err)
			assert.Equal(t, sampleConfig(), loaded)
		})
	}
}

func TestLoadAppConfigDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.yaml")
	writeFile(t, path, "toolGroups:\n  - name: read\n    services:\n      slack: [read-message]\n")

	cfg, err := config.LoadAppConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultAllow(), cfg.Permissions.Default)
	assert.NotNil(t, cfg.Permissions.Consumers)

	_, err = config.LoadAppConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestConfigClone(t *testing.T) {
	t.Parallel()

	original := sampleConfig()
	clone := original.Clone()
	require.Equal(t, original, clone)

	clone.ToolGroups[0].Services["slack"] = config.Wildcard()
	clone.Permissions.Consumers["writer"].Allow[0] = "changed"
	clone.Permissions.Default.Allow[0] = "changed"
	clone.TargetServerAttributes["linear"] = config.ServerAttributes{}
	clone.ToolExtensions.Services["slack"]["send-message"].ChildTools[0].Description.Text = "changed"

	assert.Equal(t, sampleConfig(), original)

	group, ok := original.ToolGroup("all-slack")
	require.True(t, ok)
	assert.Equal(t, "all-slack", group.Name)

	_, ok = original.ToolGroup("missing")
	assert.False(t, ok)
}
