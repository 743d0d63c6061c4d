package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ServerType represents the type of MCP server connection.
type ServerType string

const (
	// ServerTypeStdio represents a stdio-based MCP server.
	ServerTypeStdio ServerType = "stdio"
	// ServerTypeSSE represents an SSE-based MCP server.
	ServerTypeSSE ServerType = "sse"
	// ServerTypeStreamableHTTP represents a streamable HTTP MCP server.
	ServerTypeStreamableHTTP ServerType = "streamable-http"
)

// TargetServer describes a single backend MCP server.
type TargetServer struct {
	Name      string              `json:"name"                yaml:"name"`
	Type      ServerType          `json:"type,omitempty"      yaml:"type,omitempty"`
	Command   string              `json:"command,omitempty"   yaml:"command,omitempty"`
	Args      []string            `json:"args,omitempty"      yaml:"args,omitempty"`
	Env       map[string]EnvValue `json:"env,omitempty"       yaml:"env,omitempty"`
	URL       string              `json:"url,omitempty"       yaml:"url,omitempty"`
	Headers   map[string]string   `json:"headers,omitempty"   yaml:"headers,omitempty"`
	Container *Container          `json:"container,omitempty" yaml:"container,omitempty"`
	OAuth     *OAuth              `json:"oauth,omitempty"     yaml:"oauth,omitempty"`
}

// NormalizeName returns the key under which a backend is tracked.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Key returns the normalized name of the server.
func (s *TargetServer) Key() string {
	return NormalizeName(s.Name)
}

// Clone creates a deep copy of the TargetServer.
func (s *TargetServer) Clone() TargetServer {
	if s == nil {
		return TargetServer{}
	}

	server := *s
	server.Args = slices.Clone(s.Args)
	server.Env = maps.Clone(s.Env)
	server.Headers = maps.Clone(s.Headers)

	if s.Container != nil {
		server.Container = s.Container.Clone()
	}

	if s.OAuth != nil {
		server.OAuth = s.OAuth.Clone()
	}

	return server
}

// ServerType return the type of the server.
func (s *TargetServer) ServerType() ServerType {
	if s.Type != "" {
		return s.Type
	}

	if s.URL != "" {
		return ServerTypeSSE
	}

	return ServerTypeStdio
}

// IsRemote returns true for servers reached over HTTP.
func (s *TargetServer) IsRemote() bool {
	switch s.ServerType() {
	case ServerTypeSSE, ServerTypeStreamableHTTP:
		return true
	case ServerTypeStdio:
		return false
	default:
		return false
	}
}

// Validate checks that the descriptor can be used to connect.
func (s *TargetServer) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: server name is required", ErrInvalidSchema)
	}

	switch s.ServerType() {
	case ServerTypeStdio:
		if s.Command == "" {
			return fmt.Errorf("%w: server %s: command is required for stdio", ErrInvalidSchema, s.Name)
		}
	case ServerTypeSSE, ServerTypeStreamableHTTP:
		if s.URL == "" {
			return fmt.Errorf("%w: server %s: url is required for %s", ErrInvalidSchema, s.Name, s.ServerType())
		}
	default:
		return fmt.Errorf("%w: server %s: unsupported type %q", ErrInvalidSchema, s.Name, s.Type)
	}

	return nil
}

// ValidateServers validates every server and rejects duplicate names.
func ValidateServers(servers []TargetServer) error {
	seen := make(map[string]struct{}, len(servers))

	for i := range servers {
		if err := servers[i].Validate(); err != nil {
			return err
		}

		key := servers[i].Key()
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: duplicate server name %s", ErrInvalidSchema, servers[i].Name)
		}

		seen[key] = struct{}{}
	}

	return nil
}
