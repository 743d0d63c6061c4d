package connect_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/connect"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

func noEnv(string) (string, bool) {
	return "", false
}

func TestCreateConnectionMissingEnv(t *testing.T) {
	t.Parallel()

	factory := connect.NewFactory(zaptest.NewLogger(t), connect.WithLookupEnv(noEnv))

	_, err := factory.CreateConnection(context.Background(), config.TargetServer{
		Name:    "github",
		Command: "definitely-not-started",
		Env: map[string]config.EnvValue{
			"GITHUB_TOKEN": config.FromEnv("GITHUB_TOKEN"),
			"LOG_LEVEL":    config.Literal("debug"),
		},
	})

	var missing *config.MissingEnvError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"GITHUB_TOKEN"}, missing.Vars)
}

func TestCreateConnectionUnsupportedType(t *testing.T) {
	t.Parallel()

	factory := connect.NewFactory(zaptest.NewLogger(t))

	_, err := factory.CreateConnection(context.Background(), config.TargetServer{Name: "x", Type: "carrier-pigeon"})
	require.ErrorIs(t, err, connect.ErrUnsupportedServerType)

	_, err = factory.ConnectRemote(context.Background(), config.TargetServer{Name: "x", Command: "echo"}, nil)
	require.ErrorIs(t, err, connect.ErrUnsupportedServerType)
}

func TestCreateConnectionStreamableHTTP(t *testing.T) {
	t.Parallel()

	mcpServer := server.NewMCPServer("echo", "1.0.0", server.WithToolCapabilities(true))
	mcpServer.AddTool(mcp.NewTool("echo", mcp.WithString("text")),
		func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(request.GetString("text", "")), nil
		},
	)

	httpServer := httptest.NewServer(server.NewStreamableHTTPServer(mcpServer))
	t.Cleanup(httpServer.Close)

	factory := connect.NewFactory(zaptest.NewLogger(t), connect.WithHTTPClient(httpServer.Client()))

	client, err := factory.CreateConnection(context.Background(), config.TargetServer{
		Name: "echo",
		Type: config.ServerTypeStreamableHTTP,
		URL:  httpServer.URL + "/mcp",
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	tools, err := client.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "echo", tools.Tools[0].Name)

	request := mcp.CallToolRequest{}
	request.Params.Name = "echo"
	request.Params.Arguments = map[string]any{"text": "hello"}

	result, err := client.CallTool(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content[0].(mcp.TextContent).Text)
}

func TestCreateConnectionUnauthorized(t *testing.T) {
	t.Parallel()

	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(httpServer.Close)

	factory := connect.NewFactory(zaptest.NewLogger(t), connect.WithHTTPClient(httpServer.Client()))

	_, err := factory.CreateConnection(context.Background(), config.TargetServer{
		Name: "locked",
		Type: config.ServerTypeStreamableHTTP,
		URL:  httpServer.URL + "/mcp",
	})
	require.Error(t, err)
	assert.True(t, upstream.IsAuthenticationError(err))
}
