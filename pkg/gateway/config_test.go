package gateway_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/configmanager"
	"github.com/jkoelker/switchyard/pkg/gateway"
)

func newManagedGateway(
	t *testing.T,
	up *fakeUpstream,
	permissions gateway.PermissionChecker,
	recorder *usage,
) (*gateway.Gateway, *configmanager.Manager[config.Config]) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	gw := gateway.New(logger, "switchyard", "test", up, permissions, recorder)

	configs := configmanager.New(config.DefaultConfig(), logger)
	require.NoError(t, configs.RegisterConsumer(gw))
	require.NoError(t, configs.Bootstrap(context.Background()))

	return gw, configs
}

func TestChangeDuringSyncIsQueued(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	up.connect("linear", "read-ticket")

	gw := gateway.New(zaptest.NewLogger(t), "switchyard", "test", up, denyList{}, &usage{})

	// A server recovering its credentials while being listed reports the
	// change before the listing returns.
	up.onList = func(string) {
		_ = gw.OnTargetServersChanged(nil)
	}

	done := make(chan error, 1)

	go func() {
		done <- gw.Sync(context.Background())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Sync blocked on a change reported while listing")
	}

	up.mu.Lock()
	up.onList = nil
	up.mu.Unlock()

	up.connect("linear", "read-ticket", "create-ticket")
	run(t, gw)

	assert.Eventually(t, func() bool {
		_, ok := gw.Registry().Lookup(gateway.CapabilityKey{Type: gateway.CapabilityTool, Name: "linear__create-ticket"})

		return ok
	}, testTimeout, testTick)
}

func TestInactiveServers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	up := newFakeUpstream()
	up.connect("slack", "read-message")
	up.connect("linear", "read-ticket")

	gw, configs := newManagedGateway(t, up, denyList{}, &usage{})
	require.NoError(t, gw.Sync(ctx))

	mcpClient := newClient(t, gw)
	require.Equal(t, []string{"linear__read-ticket", "slack__read-message"}, toolNames(t, ctx, mcpClient))

	next := config.DefaultConfig()
	next.TargetServerAttributes["linear"] = config.ServerAttributes{Inactive: true}
	require.NoError(t, configs.UpdateConfig(ctx, next))

	assert.Equal(t, []string{"slack__read-message"}, toolNames(t, ctx, mcpClient))

	result, err := call(ctx, mcpClient, "linear__read-ticket")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, up.calls)

	run(t, gw)

	assert.Eventually(t, func() bool {
		return slices.Equal([]string{"slack"}, gw.Registry().Services())
	}, testTimeout, testTick)

	require.NoError(t, configs.UpdateConfig(ctx, config.DefaultConfig()))

	assert.Eventually(t, func() bool {
		return slices.Equal([]string{"linear", "slack"}, gw.Registry().Services())
	}, testTimeout, testTick)

	result, err = call(ctx, mcpClient, "linear__read-ticket")
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func sendMessage() mcp.Tool {
	return mcp.NewTool("send-message",
		mcp.WithDescription("Sends a message"),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Channel to post to")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message body")),
	)
}

func TestToolExtensions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	up := newFakeUpstream()
	up.connect("slack")
	up.tools["slack"] = []mcp.Tool{sendMessage()}

	gw, configs := newManagedGateway(t, up, denyList{"slack/announce": true}, &usage{})

	next := config.DefaultConfig()
	next.ToolExtensions.Services["slack"] = map[string]config.ExtendedTool{
		"send-message": {ChildTools: []config.ToolExtension{
			{
				Name:        "announce",
				Description: &config.DescriptionOverride{Action: config.DescriptionAppend, Text: "Posts to #general."},
				OverrideParams: map[string]config.ParamOverride{
					"channel": {Value: "general"},
				},
			},
			{Name: "send-message"},
		}},
	}
	require.NoError(t, configs.UpdateConfig(ctx, next))
	require.NoError(t, gw.Sync(ctx))

	mcpClient := newClient(t, gw)

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, result.Tools, 2)

	tools := make(map[string]mcp.Tool, len(result.Tools))
	for _, tool := range result.Tools {
		tools[tool.Name] = tool
	}

	announce, ok := tools["slack__announce"]
	require.True(t, ok)
	assert.Equal(t, "Sends a message. Posts to #general.", announce.Description)
	assert.Equal(t, []string{"text"}, announce.InputSchema.Required)

	channel, ok := announce.InputSchema.Properties["channel"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, channel["description"], "Fixed to general")

	assert.Equal(t, []string{"slack__send-message"}, toolNames(t, gateway.WithConsumerTag(ctx, "intern"), mcpClient))

	request := mcp.CallToolRequest{}
	request.Params.Name = "slack__announce"
	request.Params.Arguments = map[string]any{"channel": "random", "text": "hello"}

	called, err := mcpClient.CallTool(ctx, request)
	require.NoError(t, err)
	assert.False(t, called.IsError)

	up.mu.Lock()
	defer up.mu.Unlock()

	assert.Equal(t, []string{"slack/send-message"}, up.calls)
	assert.Equal(t, []map[string]any{{"channel": "general", "text": "hello"}}, up.args)
}

func TestInvalidExtensionsAreRejected(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	_, configs := newManagedGateway(t, up, denyList{}, &usage{})

	next := config.DefaultConfig()
	next.ToolExtensions.Services["slack"] = map[string]config.ExtendedTool{
		"send-message": {ChildTools: []config.ToolExtension{{Name: ""}}},
	}

	require.ErrorIs(t, configs.UpdateConfig(context.Background(), next), configmanager.ErrUpdateRejected)
	assert.Equal(t, 1, configs.Version())
}
