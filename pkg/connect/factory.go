// Package connect creates protocol clients for target servers.
package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

// ErrUnsupportedServerType is returned when an unsupported server type is encountered.
var ErrUnsupportedServerType = errors.New("unsupported server type")

// Factory implements upstream.ConnectionFactory with mcp-go clients.
type Factory struct {
	logger        *zap.Logger
	lookupEnv     func(string) (string, bool)
	httpClient    *http.Client
	clientInfo    mcp.Implementation
	autoIsolate   bool
	cacheDir      func() (string, error)
	workDir       func() (string, error)
	detectRuntime func() (string, error)

	runtimeOnce sync.Once
	runtime     string
	runtimeErr  error
}

// Option configures a Factory.
type Option func(*Factory)

// WithLookupEnv sets how fromEnv references are resolved.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(f *Factory) {
		f.lookupEnv = lookup
	}
}

// WithHTTPClient sets the HTTP client of remote servers without OAuth.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Factory) {
		f.httpClient = client
	}
}

// WithClientInfo sets the implementation reported to target servers.
func WithClientInfo(name, version string) Option {
	return func(f *Factory) {
		f.clientInfo = mcp.Implementation{Name: name, Version: version}
	}
}

// WithContainerRuntime specifies the container runtime to use.
func WithContainerRuntime(runtime string) Option {
	return func(f *Factory) {
		f.detectRuntime = func() (string, error) { return runtime, nil }
	}
}

// WithAutoIsolation runs npx and uvx servers without a container
// configuration in their default images.
func WithAutoIsolation(enabled bool) Option {
	return func(f *Factory) {
		f.autoIsolate = enabled
	}
}

// NewFactory returns a Factory.
func NewFactory(logger *zap.Logger, opts ...Option) *Factory {
	factory := &Factory{
		logger:        logger.Named("connect"),
		lookupEnv:     os.LookupEnv,
		httpClient:    http.DefaultClient,
		clientInfo:    mcp.Implementation{Name: "switchyard", Version: "dev"},
		cacheDir:      os.UserCacheDir,
		workDir:       os.Getwd,
		detectRuntime: DetectRuntime,
	}

	for _, opt := range opts {
		opt(factory)
	}

	return factory
}

// CreateConnection connects to server and completes the initialize handshake.
func (f *Factory) CreateConnection(ctx context.Context, server config.TargetServer) (upstream.Client, error) {
	switch server.ServerType() {
	case config.ServerTypeStdio:
		return f.connectStdio(ctx, server)
	case config.ServerTypeSSE, config.ServerTypeStreamableHTTP:
		return f.ConnectRemote(ctx, server, f.httpClient)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedServerType, server.ServerType())
	}
}

// ConnectRemote connects to a remote server through httpClient.
func (f *Factory) ConnectRemote(
	ctx context.Context,
	server config.TargetServer,
	httpClient *http.Client,
) (upstream.Client, error) {
	httpClient = WithAuthDetection(httpClient)

	var (
		mcpClient *client.Client
		err       error
	)

	switch server.ServerType() {
	case config.ServerTypeSSE:
		mcpClient, err = client.NewSSEMCPClient(server.URL,
			transport.WithHTTPClient(httpClient),
			transport.WithHeaders(server.Headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE MCP client: %w", err)
		}
	case config.ServerTypeStreamableHTTP:
		mcpClient, err = client.NewStreamableHttpClient(server.URL,
			transport.WithHTTPBasicClient(httpClient),
			transport.WithHTTPHeaders(server.Headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable HTTP MCP client: %w", err)
		}
	case config.ServerTypeStdio:
		return nil, fmt.Errorf("%w: %s is not remote", ErrUnsupportedServerType, server.Name)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedServerType, server.ServerType())
	}

	// The SSE stream outlives the connection attempt.
	if err := mcpClient.Start(context.WithoutCancel(ctx)); err != nil {
		_ = mcpClient.Close()

		return nil, fmt.Errorf("failed to start %s client for %s: %w", server.ServerType(), server.Name, err)
	}

	f.logger.Debug("connecting remote server",
		zap.String("server", server.Name),
		zap.String("type", string(server.ServerType())),
		zap.String("url", server.URL),
	)

	return f.initialize(ctx, server, mcpClient)
}

func (f *Factory) connectStdio(ctx context.Context, server config.TargetServer) (upstream.Client, error) {
	env, err := config.ResolveEnv(server, f.lookupEnv)
	if err != nil {
		return nil, err
	}

	command, args, err := f.command(server, env)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("starting stdio server",
		zap.String("server", server.Name),
		zap.String("command", command),
		zap.Strings("args", args),
		zap.Strings("env", envNames(env)),
	)

	mcpClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stdio MCP client: %w", err)
	}

	return f.initialize(ctx, server, mcpClient)
}

// command returns the process to start for a stdio server, wrapping it in a
// container when one is configured.
func (f *Factory) command(server config.TargetServer, env []string) (string, []string, error) {
	container := server.Container

	if container == nil && f.autoIsolate && !IsContainerCommand(server.Command) {
		defaulted, err := f.defaultContainer(server.Command)
		if err != nil {
			return "", nil, err
		}

		container = defaulted
	}

	if container == nil {
		return server.Command, server.Args, nil
	}

	runtime, err := f.containerRuntime()
	if err != nil {
		return "", nil, fmt.Errorf("failed to detect container runtime: %w", err)
	}

	return runtime, ContainerCommand(server.Command, server.Args, container, envNames(env)), nil
}

func (f *Factory) defaultContainer(command string) (*config.Container, error) {
	if DefaultImageForCommand(command) == "" {
		return nil, nil //nolint:nilnil
	}

	if _, err := f.containerRuntime(); err != nil {
		f.logger.Debug("no container runtime, running without isolation", zap.String("command", command))

		return nil, nil //nolint:nilnil
	}

	cacheDir, err := f.cacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user cache dir: %w", err)
	}

	workDir, err := f.workDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	return DefaultContainer(command, cacheDir, workDir)
}

func (f *Factory) containerRuntime() (string, error) {
	f.runtimeOnce.Do(func() {
		f.runtime, f.runtimeErr = f.detectRuntime()
	})

	return f.runtime, f.runtimeErr
}

func (f *Factory) initialize(
	ctx context.Context,
	server config.TargetServer,
	mcpClient *client.Client,
) (upstream.Client, error) {
	request := mcp.InitializeRequest{}
	request.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	request.Params.ClientInfo = f.clientInfo

	result, err := mcpClient.Initialize(ctx, request)
	if err != nil {
		_ = mcpClient.Close()

		return nil, fmt.Errorf("failed to initialize %s: %w", server.Name, err)
	}

	f.logger.Info("connected to target server",
		zap.String("server", server.Name),
		zap.String("implementation", result.ServerInfo.Name),
		zap.String("version", result.ServerInfo.Version),
	)

	return mcpClient, nil
}
