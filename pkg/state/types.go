package state

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkoelker/switchyard/pkg/config"
)

// Status is the lifecycle state of a target server.
type Status string

const (
	// StatusConnected means a live client exists.
	StatusConnected Status = "connected"
	// StatusPendingAuth means the server waits for OAuth authorization.
	StatusPendingAuth Status = "pending-auth"
	// StatusPendingInput means the server waits for environment variables.
	StatusPendingInput Status = "pending-input"
	// StatusConnectionFailed means the last connection attempt failed.
	StatusConnectionFailed Status = "connection-failed"
)

// Statuses lists every status.
var Statuses = []Status{StatusConnected, StatusPendingAuth, StatusPendingInput, StatusConnectionFailed}

// ServerConnection is what the upstream handler reports for one server.
type ServerConnection struct {
	Server         config.TargetServer
	Status         Status
	MissingEnvVars []string
	Error          string
	Tools          []mcp.Tool
}

// Usage counts calls.
type Usage struct {
	CallCount    int        `json:"callCount"`
	LastCalledAt *time.Time `json:"lastCalledAt,omitempty"`
}

func (u *Usage) increment(now time.Time) {
	u.CallCount++
	u.LastCalledAt = &now
}

// Tool is a tool of a target server with its usage.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Usage       Usage  `json:"usage"`
}

// TargetServer is the reported state of one target server.
type TargetServer struct {
	Name           string            `json:"name"`
	Type           config.ServerType `json:"type"`
	Status         Status            `json:"status"`
	MissingEnvVars []string          `json:"missingEnvVars,omitempty"`
	Error          string            `json:"error,omitempty"`
	Tools          []Tool            `json:"tools"`
	Usage          Usage             `json:"usage"`
}

// ConfigSummary describes the committed gateway configuration.
type ConfigSummary struct {
	Version    int      `json:"version"`
	ToolGroups []string `json:"toolGroups"`
	Consumers  []string `json:"consumers"`
}

// SystemState is a point in time copy of the tracked state.
type SystemState struct {
	TargetServers []TargetServer `json:"targetServers"`
	Usage         Usage          `json:"usage"`
	Config        ConfigSummary  `json:"config"`
	ConfigError   string         `json:"configError,omitempty"`
	LastUpdatedAt time.Time      `json:"lastUpdatedAt"`
}
