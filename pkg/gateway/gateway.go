// Package gateway publishes the tools and prompts of the connected target
// servers to agents.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

// ConsumerTagHeader carries the consumer tag of HTTP agents.
const ConsumerTagHeader = "X-Switchyard-Consumer-Tag"

type consumerTagKey struct{}

// WithConsumerTag returns a context carrying the tag of the calling agent.
func WithConsumerTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, consumerTagKey{}, tag)
}

// ConsumerTag returns the tag of the calling agent, or "".
func ConsumerTag(ctx context.Context) string {
	tag, _ := ctx.Value(consumerTagKey{}).(string)

	return tag
}

// HTTPContextFunc copies the consumer tag header into the request context.
func HTTPContextFunc(ctx context.Context, r *http.Request) context.Context {
	return WithConsumerTag(ctx, r.Header.Get(ConsumerTagHeader))
}

// Upstream is the part of the upstream handler the gateway uses.
type Upstream interface {
	Clients() map[string]upstream.TargetClient
	ListTools(ctx context.Context, name string) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context, name string) ([]mcp.Prompt, error)
	CallTool(ctx context.Context, name string, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, name string, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
}

// PermissionChecker decides whether a consumer may call a tool.
type PermissionChecker interface {
	HasPermission(service, tool, consumerTag string) bool
}

// UsageRecorder counts tool calls.
type UsageRecorder interface {
	RecordToolCall(service, tool string, err error)
}

// Gateway bridges agents to the target servers.
type Gateway struct {
	logger      *zap.Logger
	server      *server.MCPServer
	upstream    Upstream
	permissions PermissionChecker
	usage       UsageRecorder
	registry    *CapabilityRegistry

	resync chan struct{}
	syncMu sync.Mutex

	settings atomic.Pointer[settings]

	configMu  sync.Mutex
	next      *settings
	previous  *settings
	committed bool
}

// New creates a gateway publishing as name and version.
func New(
	logger *zap.Logger,
	name, version string,
	upstream Upstream,
	permissions PermissionChecker,
	usage UsageRecorder,
) *Gateway {
	gateway := &Gateway{
		logger:      logger.Named("gateway"),
		upstream:    upstream,
		permissions: permissions,
		usage:       usage,
		registry:    NewCapabilityRegistry(),
		resync:      make(chan struct{}, 1),
	}

	gateway.server = server.NewMCPServer(
		name,
		version,
		server.WithPromptCapabilities(true),
		server.WithToolCapabilities(true),
		server.WithToolFilter(gateway.filterTools),
	)

	return gateway
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *server.MCPServer {
	return g.server
}

// Registry returns the registry of published capabilities.
func (g *Gateway) Registry() *CapabilityRegistry {
	return g.registry
}

// OnTargetServersChanged queues a republish. Changes arriving while one is
// queued are coalesced into it.
func (g *Gateway) OnTargetServersChanged(_ []config.TargetServer) error {
	g.requestSync()

	return nil
}

func (g *Gateway) requestSync() {
	select {
	case g.resync <- struct{}{}:
	default:
	}
}

// Run republishes the capabilities whenever a change is queued until ctx is
// done.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.resync:
			if err := g.Sync(ctx); err != nil {
				g.logger.Warn("failed to republish target servers", zap.Error(err))
			}
		}
	}
}

// Sync publishes the capabilities of every connected and active server and
// withdraws those of servers that are gone, disconnected or inactive.
func (g *Gateway) Sync(ctx context.Context) error {
	g.syncMu.Lock()
	defer g.syncMu.Unlock()

	current := g.current()
	published := make(map[string]bool)

	for key, client := range g.upstream.Clients() {
		if _, ok := client.(upstream.Connected); ok && current.attributes.IsActive(key) {
			published[key] = true
		}
	}

	for _, service := range g.registry.Services() {
		if !published[service] {
			g.withdraw(service)
		}
	}

	var errs []error

	for service := range published {
		if err := g.publish(ctx, service, current.extensions); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to publish %d target servers: %w", len(errs), errs[0])
	}

	return nil
}

func (g *Gateway) withdraw(service string) {
	removed := g.registry.RemoveService(service)

	if tools := removed[CapabilityTool]; len(tools) > 0 {
		g.server.DeleteTools(tools...)
	}

	if prompts := removed[CapabilityPrompt]; len(prompts) > 0 {
		g.server.DeletePrompts(prompts...)
	}

	g.logger.Info("withdrew target server", zap.String("service", service))
}

func (g *Gateway) publish(ctx context.Context, service string, extensions config.ToolExtensions) error {
	tools, err := g.upstream.ListTools(ctx, service)
	if err != nil {
		return fmt.Errorf("failed to list tools of %s: %w", service, err)
	}

	prompts, err := g.upstream.ListPrompts(ctx, service)
	if err != nil {
		g.logger.Debug("target server lists no prompts", zap.String("service", service), zap.Error(err))

		prompts = nil
	}

	stale := make(map[CapabilityKey]struct{})
	for _, key := range g.registry.ServiceCapabilities(service) {
		stale[key] = struct{}{}
	}

	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
	}

	addTool := func(tool mcp.Tool, parent string, fixed map[string]any) {
		key := g.registry.Add(service, CapabilityTool, tool.Name)
		delete(stale, key)

		exposed := tool
		exposed.Name = key.Name
		g.server.AddTool(exposed, g.toolHandler(service, tool.Name, parent, fixed))
	}

	extended := 0

	for _, tool := range tools {
		addTool(tool, tool.Name, nil)

		for _, extension := range extensions.ChildTools(service, tool.Name) {
			if names[extension.Name] {
				g.logger.Warn("tool extension shadows a tool, skipping",
					zap.String("service", service),
					zap.String("tool", tool.Name),
					zap.String("extension", extension.Name),
				)

				continue
			}

			addTool(extendTool(tool, extension), tool.Name, extension.FixedParams())

			extended++
		}
	}

	for _, prompt := range prompts {
		key := g.registry.Add(service, CapabilityPrompt, prompt.Name)
		delete(stale, key)

		exposed := prompt
		exposed.Name = key.Name
		g.server.AddPrompt(exposed, g.promptHandler(service, prompt.Name))
	}

	var staleTools, stalePrompts []string

	for key := range stale {
		g.registry.Remove(key)

		switch key.Type {
		case CapabilityTool:
			staleTools = append(staleTools, key.Name)
		case CapabilityPrompt:
			stalePrompts = append(stalePrompts, key.Name)
		}
	}

	if len(staleTools) > 0 {
		g.server.DeleteTools(staleTools...)
	}

	if len(stalePrompts) > 0 {
		g.server.DeletePrompts(stalePrompts...)
	}

	g.logger.Debug("published target server",
		zap.String("service", service),
		zap.Int("tools", len(tools)),
		zap.Int("extensions", extended),
		zap.Int("prompts", len(prompts)),
	)

	return nil
}

// toolHandler serves tool as published by service. Calls are forwarded to
// parent with fixed merged into the arguments.
func (g *Gateway) toolHandler(service, tool, parent string, fixed map[string]any) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tag := ConsumerTag(ctx)

		if !g.current().attributes.IsActive(service) {
			g.logger.Info("tool call to inactive target server",
				zap.String("service", service),
				zap.String("tool", tool),
			)

			return mcp.NewToolResultError(fmt.Sprintf("target server %s is inactive", service)), nil
		}

		if !g.permissions.HasPermission(service, tool, tag) {
			g.logger.Info("tool call denied",
				zap.String("service", service),
				zap.String("tool", tool),
				zap.String("consumer", tag),
			)

			return mcp.NewToolResultError(fmt.Sprintf("tool %s of %s is not permitted", tool, service)), nil
		}

		forwarded := request
		forwarded.Params.Name = parent

		if len(fixed) > 0 {
			forwarded.Params.Arguments = mergeArguments(request.GetArguments(), fixed)
		}

		result, err := g.upstream.CallTool(ctx, service, forwarded)
		g.usage.RecordToolCall(service, tool, err)

		if err != nil {
			g.logger.Warn("tool call failed",
				zap.String("service", service),
				zap.String("tool", tool),
				zap.Error(err),
			)

			return mcp.NewToolResultError(err.Error()), nil
		}

		return result, nil
	}
}

func (g *Gateway) promptHandler(service, prompt string) server.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		if !g.current().attributes.IsActive(service) {
			return nil, fmt.Errorf("target server %s is inactive", service)
		}

		forwarded := request
		forwarded.Params.Name = prompt

		result, err := g.upstream.GetPrompt(ctx, service, forwarded)
		if err != nil {
			return nil, fmt.Errorf("failed to get prompt %s of %s: %w", prompt, service, err)
		}

		return result, nil
	}
}

// filterTools hides the tools of inactive servers and those the calling
// consumer may not call.
func (g *Gateway) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	tag := ConsumerTag(ctx)
	attributes := g.current().attributes
	visible := make([]mcp.Tool, 0, len(tools))

	for _, tool := range tools {
		capability, ok := g.registry.Lookup(CapabilityKey{Type: CapabilityTool, Name: tool.Name})
		if !ok {
			visible = append(visible, tool)

			continue
		}

		if attributes.IsActive(capability.Service) &&
			g.permissions.HasPermission(capability.Service, capability.Original, tag) {
			visible = append(visible, tool)
		}
	}

	return visible
}
