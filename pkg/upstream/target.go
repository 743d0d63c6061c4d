package upstream

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/state"
)

// Client is a live protocol client of one target server.
type Client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListPrompts(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// TargetClient is the lifecycle state of one target server. It is one of
// Connected, PendingAuth, PendingInput or ConnectionFailed.
type TargetClient interface {
	Server() config.TargetServer
	Status() state.Status
	targetClient()
}

// Connected holds a usable client.
type Connected struct {
	TargetServer config.TargetServer
	Client       Client
}

// PendingAuth waits for an OAuth authorization.
type PendingAuth struct {
	TargetServer config.TargetServer
}

// PendingInput waits for environment variables of a stdio server.
type PendingInput struct {
	TargetServer   config.TargetServer
	MissingEnvVars []string
}

// ConnectionFailed records the error of the last connection attempt.
type ConnectionFailed struct {
	TargetServer config.TargetServer
	Err          error
}

func (c Connected) Server() config.TargetServer        { return c.TargetServer }
func (c PendingAuth) Server() config.TargetServer      { return c.TargetServer }
func (c PendingInput) Server() config.TargetServer     { return c.TargetServer }
func (c ConnectionFailed) Server() config.TargetServer { return c.TargetServer }

func (Connected) Status() state.Status        { return state.StatusConnected }
func (PendingAuth) Status() state.Status      { return state.StatusPendingAuth }
func (PendingInput) Status() state.Status     { return state.StatusPendingInput }
func (ConnectionFailed) Status() state.Status { return state.StatusConnectionFailed }

func (Connected) targetClient()        {}
func (PendingAuth) targetClient()      {}
func (PendingInput) targetClient()     {}
func (ConnectionFailed) targetClient() {}
