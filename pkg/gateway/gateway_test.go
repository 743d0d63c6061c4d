package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/gateway"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

var errBroken = errors.New("broken pipe")

type fakeUpstream struct {
	mu      sync.Mutex
	clients map[string]upstream.TargetClient
	tools   map[string][]mcp.Tool
	prompts map[string][]mcp.Prompt
	callErr error
	calls   []string
	args    []map[string]any
	onList  func(name string)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		clients: make(map[string]upstream.TargetClient),
		tools:   make(map[string][]mcp.Tool),
		prompts: make(map[string][]mcp.Prompt),
	}
}

func (u *fakeUpstream) connect(name string, tools ...string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.clients[name] = upstream.Connected{TargetServer: config.TargetServer{Name: name}}
	u.tools[name] = nil

	for _, tool := range tools {
		u.tools[name] = append(u.tools[name], mcp.NewTool(tool, mcp.WithDescription(tool+" of "+name)))
	}
}

func (u *fakeUpstream) disconnect(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.clients[name] = upstream.PendingAuth{TargetServer: config.TargetServer{Name: name}}
}

func (u *fakeUpstream) Clients() map[string]upstream.TargetClient {
	u.mu.Lock()
	defer u.mu.Unlock()

	clients := make(map[string]upstream.TargetClient, len(u.clients))
	for name, client := range u.clients {
		clients[name] = client
	}

	return clients
}

func (u *fakeUpstream) ListTools(_ context.Context, name string) ([]mcp.Tool, error) {
	u.mu.Lock()
	onList := u.onList
	u.mu.Unlock()

	if onList != nil {
		onList(name)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	return slices.Clone(u.tools[name]), nil
}

func (u *fakeUpstream) ListPrompts(_ context.Context, name string) ([]mcp.Prompt, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	return slices.Clone(u.prompts[name]), nil
}

func (u *fakeUpstream) CallTool(
	_ context.Context,
	name string,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.calls = append(u.calls, name+"/"+request.Params.Name)
	u.args = append(u.args, request.GetArguments())

	if u.callErr != nil {
		return nil, u.callErr
	}

	return mcp.NewToolResultText(fmt.Sprintf("%s:%s", name, request.Params.Name)), nil
}

func (u *fakeUpstream) GetPrompt(
	_ context.Context,
	name string,
	request mcp.GetPromptRequest,
) (*mcp.GetPromptResult, error) {
	return mcp.NewGetPromptResult(name, []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(name+":"+request.Params.Name)),
	}), nil
}

// denyList blocks the listed service/tool pairs for the "intern" consumer.
type denyList map[string]bool

func (d denyList) HasPermission(service, tool, consumerTag string) bool {
	return consumerTag != "intern" || !d[service+"/"+tool]
}

type usage struct {
	mu    sync.Mutex
	calls []string
}

func (u *usage) RecordToolCall(service, tool string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.calls = append(u.calls, fmt.Sprintf("%s/%s:%v", service, tool, err != nil))
}

func (u *usage) recorded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return slices.Clone(u.calls)
}

func newClient(t *testing.T, gw *gateway.Gateway) *client.Client {
	t.Helper()

	ctx := context.Background()

	mcpClient, err := client.NewInProcessClient(gw.Server())
	require.NoError(t, err)

	t.Cleanup(func() { _ = mcpClient.Close() })

	require.NoError(t, mcpClient.Start(ctx))

	request := mcp.InitializeRequest{}
	request.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	request.Params.ClientInfo = mcp.Implementation{Name: "agent", Version: "test"}

	_, err = mcpClient.Initialize(ctx, request)
	require.NoError(t, err)

	return mcpClient
}

// run drains queued republishes until the test ends.
func run(t *testing.T, gw *gateway.Gateway) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		gw.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func toolNames(t *testing.T, ctx context.Context, mcpClient *client.Client) []string {
	t.Helper()

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}

	slices.Sort(names)

	return names
}

func call(ctx context.Context, mcpClient *client.Client, name string) (*mcp.CallToolResult, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = name

	return mcpClient.CallTool(ctx, request)
}

func TestSyncPublishesConnectedServers(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	up.connect("slack", "read-message", "send-message")
	up.connect("linear", "read-ticket")
	up.prompts["slack"] = []mcp.Prompt{mcp.NewPrompt("summarize")}
	up.disconnect("linear")

	gw := gateway.New(zaptest.NewLogger(t), "switchyard", "test", up, denyList{}, &usage{})
	require.NoError(t, gw.Sync(context.Background()))

	mcpClient := newClient(t, gw)
	ctx := context.Background()

	assert.Equal(t, []string{"slack__read-message", "slack__send-message"}, toolNames(t, ctx, mcpClient))

	prompts, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{})
	require.NoError(t, err)
	require.Len(t, prompts.Prompts, 1)
	assert.Equal(t, "slack__summarize", prompts.Prompts[0].Name)

	request := mcp.GetPromptRequest{}
	request.Params.Name = "slack__summarize"

	prompt, err := mcpClient.GetPrompt(ctx, request)
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, "slack:summarize", prompt.Messages[0].Content.(mcp.TextContent).Text)

	assert.Equal(t, []string{"slack"}, gw.Registry().Services())
}

func TestSyncWithdrawsStaleCapabilities(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	up.connect("slack", "read-message", "send-message")
	up.connect("linear", "read-ticket")

	gw := gateway.New(zaptest.NewLogger(t), "switchyard", "test", up, denyList{}, &usage{})
	require.NoError(t, gw.Sync(context.Background()))

	up.connect("slack", "read-message")
	up.disconnect("linear")

	run(t, gw)
	require.NoError(t, gw.OnTargetServersChanged(nil))

	assert.Eventually(t, func() bool {
		_, ok := gw.Registry().Lookup(gateway.CapabilityKey{Type: gateway.CapabilityTool, Name: "slack__send-message"})

		return !ok && slices.Equal([]string{"slack"}, gw.Registry().Services())
	}, testTimeout, testTick)

	mcpClient := newClient(t, gw)
	assert.Equal(t, []string{"slack__read-message"}, toolNames(t, context.Background(), mcpClient))
	assert.Equal(t, []string{"slack"}, gw.Registry().Services())

	_, ok := gw.Registry().Lookup(gateway.CapabilityKey{Type: gateway.CapabilityTool, Name: "slack__send-message"})
	assert.False(t, ok)
}

func TestCallToolForwardsOriginalName(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	up.connect("slack", "read-message")

	recorder := &usage{}
	gw := gateway.New(zaptest.NewLogger(t), "switchyard", "test", up, denyList{}, recorder)
	require.NoError(t, gw.Sync(context.Background()))

	mcpClient := newClient(t, gw)

	result, err := call(context.Background(), mcpClient, "slack__read-message")
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "slack:read-message", result.Content[0].(mcp.TextContent).Text)

	up.callErr = errBroken

	result, err = call(context.Background(), mcpClient, "slack__read-message")
	require.NoError(t, err)
	assert.True(t, result.IsError)

	assert.Equal(t, []string{"slack/read-message:false", "slack/read-message:true"}, recorder.recorded())
}

func TestConsumerPermissions(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	up.connect("slack", "read-message", "send-message")

	recorder := &usage{}
	gw := gateway.New(
		zaptest.NewLogger(t),
		"switchyard",
		"test",
		up,
		denyList{"slack/send-message": true},
		recorder,
	)
	require.NoError(t, gw.Sync(context.Background()))

	mcpClient := newClient(t, gw)
	intern := gateway.WithConsumerTag(context.Background(), "intern")

	assert.Equal(t, []string{"slack__read-message"}, toolNames(t, intern, mcpClient))
	assert.Equal(t,
		[]string{"slack__read-message", "slack__send-message"},
		toolNames(t, context.Background(), mcpClient),
	)

	result, err := call(intern, mcpClient, "slack__send-message")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, up.calls)
	assert.Empty(t, recorder.recorded())
}

func TestHTTPContextFunc(t *testing.T) {
	t.Parallel()

	request := httptest.NewRequest("POST", "/mcp", nil)
	request.Header.Set(gateway.ConsumerTagHeader, "intern")

	ctx := gateway.HTTPContextFunc(context.Background(), request)
	assert.Equal(t, "intern", gateway.ConsumerTag(ctx))
	assert.Empty(t, gateway.ConsumerTag(context.Background()))
}
