package upstream_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/state"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

var errRefused = errors.New("connection refused")

func writeRaw(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(content), config.FilePermissions))
}

// fakeClient serves a fixed tool list and fails calls with callErr while set.
type fakeClient struct {
	name    string
	tools   []mcp.Tool
	pageLen int

	mu      sync.Mutex
	callErr error
	calls   int
	closed  atomic.Bool
}

func newFakeClient(name string, tools ...string) *fakeClient {
	client := &fakeClient{name: name}
	for _, tool := range tools {
		client.tools = append(client.tools, mcp.Tool{Name: tool})
	}

	return client
}

func (c *fakeClient) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.callErr = err
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

func (c *fakeClient) ListTools(_ context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	c.mu.Lock()
	err := c.callErr
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if c.pageLen == 0 || len(c.tools) <= c.pageLen {
		return &mcp.ListToolsResult{Tools: c.tools}, nil
	}

	start := 0
	if request.Params.Cursor != "" {
		_, _ = fmt.Sscanf(string(request.Params.Cursor), "%d", &start)
	}

	end := min(start+c.pageLen, len(c.tools))
	result := &mcp.ListToolsResult{Tools: c.tools[start:end]}

	if end < len(c.tools) {
		result.NextCursor = mcp.Cursor(fmt.Sprintf("%d", end))
	}

	return result, nil
}

func (c *fakeClient) CallTool(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++

	if c.callErr != nil {
		return nil, c.callErr
	}

	return mcp.NewToolResultText(c.name + ":" + request.Params.Name), nil
}

func (c *fakeClient) ListPrompts(context.Context, mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{Prompts: []mcp.Prompt{{Name: c.name + "-prompt"}}}, nil
}

func (c *fakeClient) GetPrompt(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Description: c.name + ":" + request.Params.Name}, nil
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)

	return nil
}

// fakeFactory hands out the client or error registered for each server.
// While gate is set connections wait for it to close.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	errs    map[string]error
	gate    chan struct{}
	created atomic.Int32
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[string]*fakeClient), errs: make(map[string]error)}
}

func (f *fakeFactory) serve(name string, client *fakeClient) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clients[name] = client
	delete(f.errs, name)
}

func (f *fakeFactory) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[name] = err
}

func (f *fakeFactory) CreateConnection(_ context.Context, server config.TargetServer) (upstream.Client, error) {
	f.created.Add(1)

	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.errs[server.Name]; ok {
		return nil, err
	}

	client, ok := f.clients[server.Name]
	if !ok {
		return nil, errRefused
	}

	return client, nil
}

// fakeOAuth connects with stored tokens when tokens holds a client.
type fakeOAuth struct {
	mu        sync.Mutex
	tokens    map[string]*fakeClient
	exchanged map[string]*fakeClient
	states    map[string]string
	cleaned   []string
	completes map[string]func(upstream.Client)
	attempts  atomic.Int32
	gate      chan struct{}
}

func newFakeOAuth() *fakeOAuth {
	return &fakeOAuth{
		tokens:    make(map[string]*fakeClient),
		exchanged: make(map[string]*fakeClient),
		states:    make(map[string]string),
		completes: make(map[string]func(upstream.Client)),
	}
}

// completeDevice finishes the device flow started for name.
func (o *fakeOAuth) completeDevice(t *testing.T, name string, client upstream.Client) {
	t.Helper()

	o.mu.Lock()
	onComplete, ok := o.completes[name]
	o.mu.Unlock()

	require.True(t, ok, "no device flow started for %s", name)
	onComplete(client)
}

func (o *fakeOAuth) SafeTryWithExistingTokens(_ context.Context, server config.TargetServer) (upstream.Client, bool) {
	o.attempts.Add(1)

	if o.gate != nil {
		<-o.gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	client, ok := o.tokens[server.Name]
	if !ok {
		return nil, false
	}

	return client, true
}

func (o *fakeOAuth) InitiateOAuth(
	_ context.Context,
	server config.TargetServer,
	_ string,
	onComplete func(upstream.Client),
) (upstream.AuthorizationRequest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := "state-" + server.Name
	o.states[state] = server.Name
	o.completes[server.Name] = onComplete

	return upstream.AuthorizationRequest{
		AuthorizationURL: "https://auth.example.com/authorize?state=" + state,
		State:            state,
	}, nil
}

func (o *fakeOAuth) CompleteOAuth(_ context.Context, serverName, code string) (upstream.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	client, ok := o.exchanged[code]
	if !ok {
		return nil, fmt.Errorf("invalid code for %s", serverName)
	}

	return client, nil
}

func (o *fakeOAuth) ServerNameByState(state string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	name, ok := o.states[state]

	return name, ok
}

func (o *fakeOAuth) CompleteFlowCleanup(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.states, state)
	o.cleaned = append(o.cleaned, state)
}

type fixture struct {
	handler *upstream.Handler
	factory *fakeFactory
	oauth   *fakeOAuth
	catalog *catalog.Manager
	tracker *state.Tracker
	store   *config.ServerStore
}

func newFixture(t *testing.T, initial catalog.Catalog, servers ...config.TargetServer) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := config.NewServerStore(filepath.Join(t.TempDir(), "servers.yaml"))

	if len(servers) > 0 {
		require.NoError(t, store.WriteTargetServers(servers))
	}

	f := &fixture{
		factory: newFakeFactory(),
		oauth:   newFakeOAuth(),
		catalog: catalog.NewManager(logger, initial),
		tracker: state.NewTracker(logger),
		store:   store,
	}

	f.handler = upstream.NewHandler(logger, f.factory, f.oauth, f.catalog, f.tracker, f.store)

	return f
}

func (f *fixture) status(t *testing.T, name string) state.Status {
	t.Helper()

	for _, server := range f.tracker.Snapshot().TargetServers {
		if config.NormalizeName(server.Name) == config.NormalizeName(name) {
			return server.Status
		}
	}

	t.Fatalf("server %s is not tracked", name)

	return ""
}

func (f *fixture) tools(t *testing.T, name string) []string {
	t.Helper()

	for _, server := range f.tracker.Snapshot().TargetServers {
		if config.NormalizeName(server.Name) != config.NormalizeName(name) {
			continue
		}

		names := make([]string, 0, len(server.Tools))
		for _, tool := range server.Tools {
			names = append(names, tool.Name)
		}

		return names
	}

	t.Fatalf("server %s is not tracked", name)

	return nil
}

func stdioServer(name string) config.TargetServer {
	return config.TargetServer{Name: name, Command: "uvx", Args: []string{name}}
}

func remoteServer(name string) config.TargetServer {
	return config.TargetServer{
		Name: name,
		Type: config.ServerTypeStreamableHTTP,
		URL:  "https://" + name + ".example.com/mcp",
	}
}

func callRequest(tool string) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Name = tool

	return request
}
