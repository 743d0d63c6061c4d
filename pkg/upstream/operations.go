package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/config"
)

func notConnected(name string) error {
	return fmt.Errorf("%w: target server not found or not connected: %s", ErrNotFound, name)
}

// ListTools returns the approved tools of a connected server.
func (h *Handler) ListTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	return withAuthRetry(ctx, h, name, func(client Client) ([]mcp.Tool, error) {
		return h.approvedTools(ctx, name, client)
	})
}

// CallTool forwards a tool call to a connected server.
func (h *Handler) CallTool(ctx context.Context, name string, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !h.catalog.IsToolApproved(name, request.Params.Name) {
		return nil, fmt.Errorf("%w: tool %q of %q is not approved", ErrNotAllowed, request.Params.Name, name)
	}

	return withAuthRetry(ctx, h, name, func(client Client) (*mcp.CallToolResult, error) {
		return client.CallTool(ctx, request)
	})
}

// ListPrompts returns every prompt of a connected server.
func (h *Handler) ListPrompts(ctx context.Context, name string) ([]mcp.Prompt, error) {
	return withAuthRetry(ctx, h, name, func(client Client) ([]mcp.Prompt, error) {
		return listPrompts(ctx, client)
	})
}

// GetPrompt forwards a prompt request to a connected server.
func (h *Handler) GetPrompt(ctx context.Context, name string, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return withAuthRetry(ctx, h, name, func(client Client) (*mcp.GetPromptResult, error) {
		return client.GetPrompt(ctx, request)
	})
}

// withAuthRetry runs op against the client of name. When a remote server
// rejects the credentials the client is recovered once and op replayed. If
// recovery fails the original error is returned and the server is left
// pending authorization.
func withAuthRetry[R any](ctx context.Context, h *Handler, name string, op func(Client) (R, error)) (R, error) {
	var zero R

	connected, ok := h.connectedClient(name)
	if !ok {
		return zero, notConnected(name)
	}

	result, err := op(connected.Client)
	if err == nil || !connected.TargetServer.IsRemote() || !IsAuthenticationError(err) {
		return result, err
	}

	h.logger.Warn("target server rejected credentials, recovering",
		zap.String("server", name),
		zap.Error(err),
	)

	client, recoverErr := h.recoverAuth(ctx, connected)
	if recoverErr != nil {
		h.logger.Warn("auth recovery failed", zap.String("server", name), zap.Error(recoverErr))

		return zero, err
	}

	return op(client)
}

// recoverAuth obtains a fresh client for a server whose credentials were
// rejected. Concurrent recoveries of one server share a single attempt.
func (h *Handler) recoverAuth(ctx context.Context, stale Connected) (Client, error) {
	key := stale.TargetServer.Key()

	ch := h.recoveries.DoChan(key, func() (any, error) {
		return h.runAuthRecovery(context.WithoutCancel(ctx), stale)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}

		client, _ := result.Val.(Client)

		return client, nil
	}
}

func (h *Handler) runAuthRecovery(ctx context.Context, stale Connected) (Client, error) {
	server := stale.TargetServer

	// Another recovery already replaced the stale client.
	if current, ok := h.connectedClient(server.Name); ok && current.Client != stale.Client {
		return current.Client, nil
	}

	if err := stale.Client.Close(); err != nil {
		h.logger.Debug("error closing stale client", zap.String("server", server.Name), zap.Error(err))
	}

	client, err := h.reuseTokens(ctx, server)
	if err != nil {
		h.recordClientUpsert(ctx, PendingAuth{TargetServer: server})

		return nil, err
	}

	h.recordClientUpsert(ctx, Connected{TargetServer: server, Client: client})
	h.logger.Info("recovered target server with stored tokens", zap.String("server", server.Name))

	return client, nil
}

// approvedTools lists every tool of client the catalog approves.
func (h *Handler) approvedTools(ctx context.Context, name string, client Client) ([]mcp.Tool, error) {
	tools, err := listTools(ctx, client)
	if err != nil {
		return nil, err
	}

	approved := make([]mcp.Tool, 0, len(tools))

	for _, tool := range tools {
		if h.catalog.IsToolApproved(name, tool.Name) {
			approved = append(approved, tool)
		}
	}

	return approved, nil
}

func listTools(ctx context.Context, client Client) ([]mcp.Tool, error) {
	var (
		tools  []mcp.Tool
		cursor mcp.Cursor
	)

	for {
		request := mcp.ListToolsRequest{}
		request.Params.Cursor = cursor

		result, err := client.ListTools(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}

		tools = append(tools, result.Tools...)

		if result.NextCursor == "" {
			return tools, nil
		}

		cursor = result.NextCursor
	}
}

func listPrompts(ctx context.Context, client Client) ([]mcp.Prompt, error) {
	var (
		prompts []mcp.Prompt
		cursor  mcp.Cursor
	)

	for {
		request := mcp.ListPromptsRequest{}
		request.Params.Cursor = cursor

		result, err := client.ListPrompts(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("failed to list prompts: %w", err)
		}

		prompts = append(prompts, result.Prompts...)

		if result.NextCursor == "" {
			return prompts, nil
		}

		cursor = result.NextCursor
	}
}

// ReconnectClient retries the connection of a tracked server.
func (h *Handler) ReconnectClient(ctx context.Context, name string) (TargetClient, error) {
	current, ok := h.Client(name)
	if !ok {
		return nil, fmt.Errorf("%w: server %q", ErrNotFound, name)
	}

	if connected, ok := current.(Connected); ok {
		if err := connected.Client.Close(); err != nil {
			h.logger.Warn("error closing client", zap.String("server", name), zap.Error(err))
		}
	}

	client := h.safeInitiateClient(ctx, current.Server())
	h.recordClientUpsert(ctx, client)

	return client, nil
}

// OnCatalogChange applies a catalog change to the tracked servers.
func (h *Handler) OnCatalogChange(ctx context.Context, change catalog.Change) {
	for _, name := range change.RemovedServers {
		if _, ok := h.Client(name); !ok {
			continue
		}

		h.logger.Info("server removed from catalog", zap.String("server", name))

		if err := h.RemoveClient(ctx, name); err != nil {
			h.logger.Warn("failed to remove server", zap.String("server", name), zap.Error(err))
		}
	}

	refresh := change.ServerApprovedToolsChanged

	if change.StrictnessChanged {
		refresh = nil

		for _, client := range h.Clients() {
			name := client.Server().Name

			if h.catalog.IsServerApproved(name) {
				refresh = append(refresh, name)

				continue
			}

			h.logger.Info("server no longer approved", zap.String("server", name))

			if err := h.RemoveClient(ctx, name); err != nil {
				h.logger.Warn("failed to remove server", zap.String("server", name), zap.Error(err))
			}
		}
	}

	refreshed := false

	for _, name := range refresh {
		if _, ok := h.connectedClient(name); !ok {
			continue
		}

		tools, err := h.ListTools(ctx, name)
		if err != nil {
			h.logger.Warn("failed to refresh tools", zap.String("server", name), zap.Error(err))

			continue
		}

		h.tracker.UpdateTargetServerTools(name, tools)

		refreshed = true
	}

	if refreshed {
		h.notifyPostChangeHooks()
	}
}

// serverForState returns the configured server of a tracked client.
func (h *Handler) serverForState(name string) (config.TargetServer, TargetClient, error) {
	client, ok := h.Client(name)
	if !ok {
		return config.TargetServer{}, nil, fmt.Errorf("%w: server %q", ErrNotFound, name)
	}

	return client.Server(), client, nil
}
