// Package upstream owns the connections to target servers.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/state"
)

// DefaultConnectTimeout bounds a single connection attempt.
const DefaultConnectTimeout = 60 * time.Second

// ConnectionFactory creates clients for target servers. It returns an error
// matching ErrAuthenticationRequired when the server rejects the
// credentials and a *config.MissingEnvError when environment variables are
// missing.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context, server config.TargetServer) (Client, error)
}

// AuthorizationRequest is what a user needs to authorize a server.
type AuthorizationRequest struct {
	AuthorizationURL string `json:"authorizationUrl"`   //nolint:tagliatelle
	State            string `json:"state"`
	UserCode         string `json:"userCode,omitempty"` //nolint:tagliatelle
}

// OAuthConnectionHandler obtains authorized clients for remote servers.
type OAuthConnectionHandler interface {
	// SafeTryWithExistingTokens connects using stored tokens only.
	SafeTryWithExistingTokens(ctx context.Context, server config.TargetServer) (Client, bool)
	// InitiateOAuth starts a flow. onComplete is called when a device flow
	// finishes in the background.
	InitiateOAuth(
		ctx context.Context,
		server config.TargetServer,
		callbackURL string,
		onComplete func(Client),
	) (AuthorizationRequest, error)
	CompleteOAuth(ctx context.Context, serverName, code string) (Client, error)
	ServerNameByState(state string) (string, bool)
	CompleteFlowCleanup(state string)
}

// CatalogManager decides which servers and tools are approved.
type CatalogManager interface {
	Subscribe(fn func(catalog.Change)) func()
	IsServerApproved(name string) bool
	IsToolApproved(server, tool string) bool
}

// StateTracker receives every state change.
type StateTracker interface {
	RecordTargetServerConnection(conn state.ServerConnection)
	RecordTargetServerDisconnected(name string)
	UpdateTargetServerTools(name string, tools []mcp.Tool)
	SetConfigError(message string)
	ClearConfigError()
}

// ServerConfigStore persists the list of target servers.
type ServerConfigStore interface {
	ReadTargetServers() ([]config.TargetServer, error)
	WriteTargetServers(servers []config.TargetServer) error
}

// PostChangeHook is called with the configured servers after every change.
type PostChangeHook func(servers []config.TargetServer) error

type namedHook struct {
	name string
	hook PostChangeHook
}

// Handler multiplexes the target servers. Each server is tracked under its
// normalized name as exactly one TargetClient.
type Handler struct {
	logger         *zap.Logger
	factory        ConnectionFactory
	oauth          OAuthConnectionHandler
	catalog        CatalogManager
	tracker        StateTracker
	store          ServerConfigStore
	connectTimeout time.Duration

	mu          sync.RWMutex
	clients     map[string]TargetClient
	servers     []config.TargetServer
	initialized bool

	hooksMu sync.Mutex
	hooks   []namedHook

	recoveries  singleflight.Group
	unsubscribe func()
}

// Option configures a Handler.
type Option func(*Handler)

// WithConnectTimeout bounds every connection attempt.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		h.connectTimeout = timeout
	}
}

// NewHandler returns a Handler. Call Initialize to connect the stored servers.
func NewHandler(
	logger *zap.Logger,
	factory ConnectionFactory,
	oauth OAuthConnectionHandler,
	catalog CatalogManager,
	tracker StateTracker,
	store ServerConfigStore,
	opts ...Option,
) *Handler {
	handler := &Handler{
		logger:         logger.Named("upstream"),
		factory:        factory,
		oauth:          oauth,
		catalog:        catalog,
		tracker:        tracker,
		store:          store,
		connectTimeout: DefaultConnectTimeout,
		clients:        make(map[string]TargetClient),
	}

	for _, opt := range opts {
		opt(handler)
	}

	return handler
}

// Initialize loads the stored servers and connects to all of them. A
// malformed servers file is recorded as a config error and leaves the
// gateway without servers.
func (h *Handler) Initialize(ctx context.Context) error {
	servers, err := h.store.ReadTargetServers()

	switch {
	case errors.Is(err, config.ErrInvalidSchema):
		h.logger.Error("target servers configuration is invalid", zap.Error(err))
		h.tracker.SetConfigError(err.Error())

		servers = nil
	case err != nil:
		return fmt.Errorf("failed to read target servers: %w", err)
	default:
		h.tracker.ClearConfigError()
	}

	h.mu.Lock()
	h.servers = servers
	h.mu.Unlock()

	h.unsubscribe = h.catalog.Subscribe(func(change catalog.Change) {
		h.OnCatalogChange(context.WithoutCancel(ctx), change)
	})

	h.logger.Info("initializing target servers", zap.Int("count", len(servers)))

	if err := h.ReloadClients(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()

	return nil
}

// Shutdown closes every live client.
func (h *Handler) Shutdown(_ context.Context) {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	for name, connected := range h.connectedClients() {
		if err := connected.Client.Close(); err != nil {
			h.logger.Warn("error closing client", zap.String("server", name), zap.Error(err))

			continue
		}

		h.logger.Info("client closed", zap.String("server", name))
	}
}

// Servers returns the configured servers.
func (h *Handler) Servers() []config.TargetServer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return cloneServers(h.servers)
}

// TargetServer returns the configured server with the given name.
func (h *Handler) TargetServer(name string) (config.TargetServer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	key := config.NormalizeName(name)
	for _, server := range h.servers {
		if server.Key() == key {
			return server.Clone(), true
		}
	}

	return config.TargetServer{}, false
}

// Clients returns the state of every tracked server keyed by normalized name.
func (h *Handler) Clients() map[string]TargetClient {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make(map[string]TargetClient, len(h.clients))
	for name, client := range h.clients {
		clients[name] = client
	}

	return clients
}

// Client returns the state of one server.
func (h *Handler) Client(name string) (TargetClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[config.NormalizeName(name)]

	return client, ok
}

// RegisterPostChangeHook registers hook under name, replacing a hook of the
// same name.
func (h *Handler) RegisterPostChangeHook(name string, hook PostChangeHook) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()

	for i, existing := range h.hooks {
		if existing.name == name {
			h.logger.Warn("replacing post change hook", zap.String("hook", name))
			h.hooks[i].hook = hook

			return
		}
	}

	h.hooks = append(h.hooks, namedHook{name: name, hook: hook})
}

func (h *Handler) notifyPostChangeHooks() {
	h.hooksMu.Lock()
	hooks := slices.Clone(h.hooks)
	h.hooksMu.Unlock()

	servers := h.Servers()

	for _, hook := range hooks {
		if err := hook.hook(servers); err != nil {
			h.logger.Error("post change hook failed", zap.String("hook", hook.name), zap.Error(err))
		}
	}
}

// recordClientUpsert stores client as the state of its server.
func (h *Handler) recordClientUpsert(ctx context.Context, client TargetClient) {
	server := client.Server()
	conn := state.ServerConnection{Server: server, Status: client.Status()}

	switch c := client.(type) {
	case Connected:
		tools, err := h.approvedTools(ctx, server.Name, c.Client)
		if err != nil {
			h.logger.Warn("failed to list tools", zap.String("server", server.Name), zap.Error(err))
		}

		conn.Tools = tools
	case PendingInput:
		conn.MissingEnvVars = c.MissingEnvVars
	case ConnectionFailed:
		if c.Err != nil {
			conn.Error = c.Err.Error()
		}
	case PendingAuth:
	}

	h.mu.Lock()
	h.clients[server.Key()] = client
	h.mu.Unlock()

	h.tracker.RecordTargetServerConnection(conn)
	h.notifyPostChangeHooks()
}

// recordClientRemoved forgets a server.
func (h *Handler) recordClientRemoved(name string) {
	h.mu.Lock()
	delete(h.clients, config.NormalizeName(name))
	h.mu.Unlock()

	h.tracker.RecordTargetServerDisconnected(name)
	h.notifyPostChangeHooks()
}

func (h *Handler) connectedClient(name string) (Connected, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connected, ok := h.clients[config.NormalizeName(name)].(Connected)

	return connected, ok
}

func (h *Handler) connectedClients() map[string]Connected {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connected := make(map[string]Connected)
	for name, client := range h.clients {
		if c, ok := client.(Connected); ok {
			connected[name] = c
		}
	}

	return connected
}

// ReloadClients closes every live client and reconnects every configured
// server.
func (h *Handler) ReloadClients(ctx context.Context) error {
	var closing errgroup.Group

	for name, connected := range h.connectedClients() {
		closing.Go(func() error {
			if err := connected.Client.Close(); err != nil {
				h.logger.Warn("error closing client", zap.String("server", name), zap.Error(err))
			}

			h.recordClientRemoved(name)

			return nil
		})
	}

	_ = closing.Wait()

	h.mu.Lock()
	if len(h.clients) != 0 {
		h.clients = make(map[string]TargetClient)
	}

	servers := cloneServers(h.servers)
	h.mu.Unlock()

	var connecting errgroup.Group

	for _, server := range servers {
		connecting.Go(func() error {
			h.recordClientUpsert(ctx, h.safeInitiateClient(ctx, server))

			return nil
		})
	}

	_ = connecting.Wait()

	h.logger.Info("target servers reloaded", zap.Int("count", len(servers)))

	return nil
}

// AddClient connects a new server and persists it. The server must be
// approved by the catalog and its name must be free.
func (h *Handler) AddClient(ctx context.Context, server config.TargetServer) error {
	if err := server.Validate(); err != nil {
		return err
	}

	if !h.catalog.IsServerApproved(server.Name) {
		h.logger.Warn("attempted to add unapproved server", zap.String("server", server.Name))

		return fmt.Errorf("%w: server %q is not in catalog", ErrNotAllowed, server.Name)
	}

	key := server.Key()

	// A name is taken once listed, before its connection is made.
	h.mu.Lock()
	if slices.ContainsFunc(h.servers, func(existing config.TargetServer) bool {
		return existing.Key() == key
	}) {
		h.mu.Unlock()

		return fmt.Errorf("%w: server %q", ErrAlreadyExists, server.Name)
	}

	h.servers = append(h.servers, server.Clone())
	servers := cloneServers(h.servers)
	h.mu.Unlock()

	client := h.safeInitiateClient(ctx, server)

	if err := h.store.WriteTargetServers(servers); err != nil {
		h.logger.Error("failed to persist target servers", zap.Error(err))
	}

	h.recordClientUpsert(ctx, client)
	h.logger.Info("client added", zap.String("server", server.Name), zap.String("status", string(client.Status())))

	return nil
}

// RemoveClient disconnects a server and removes it from the stored list.
func (h *Handler) RemoveClient(_ context.Context, name string) error {
	key := config.NormalizeName(name)

	h.mu.Lock()
	client, ok := h.clients[key]

	if !ok {
		h.mu.Unlock()

		return fmt.Errorf("%w: server %q", ErrNotFound, name)
	}

	h.servers = slices.DeleteFunc(h.servers, func(server config.TargetServer) bool {
		return server.Key() == key
	})
	servers := cloneServers(h.servers)
	h.mu.Unlock()

	if connected, ok := client.(Connected); ok {
		if err := connected.Client.Close(); err != nil {
			h.logger.Warn("error closing client", zap.String("server", name), zap.Error(err))
		}
	}

	if err := h.store.WriteTargetServers(servers); err != nil {
		h.logger.Error("failed to persist target servers", zap.Error(err))
	}

	h.recordClientRemoved(name)
	h.logger.Info("client removed", zap.String("server", name))

	return nil
}

// safeInitiateClient connects to server and maps every failure to a state.
func (h *Handler) safeInitiateClient(ctx context.Context, server config.TargetServer) TargetClient {
	logger := h.logger.With(zap.String("server", server.Name), zap.String("type", string(server.ServerType())))

	client, err := h.createConnection(ctx, server)
	if err == nil {
		return Connected{TargetServer: server, Client: client}
	}

	var missing *config.MissingEnvError
	if errors.As(err, &missing) && server.ServerType() == config.ServerTypeStdio {
		logger.Info("server has missing environment variables", zap.Strings("missing", missing.Vars))

		return PendingInput{TargetServer: server, MissingEnvVars: missing.Vars}
	}

	if IsAuthenticationError(err) && server.IsRemote() {
		logger.Warn("server requires authentication, trying stored tokens")

		return h.initiateRemoteUnauthedClient(ctx, server)
	}

	logger.Error("failed to initiate client", zap.Error(err))

	return ConnectionFailed{TargetServer: server, Err: err}
}

func (h *Handler) initiateRemoteUnauthedClient(ctx context.Context, server config.TargetServer) TargetClient {
	if client, err := h.reuseTokens(ctx, server); err == nil {
		return Connected{TargetServer: server, Client: client}
	}

	h.logger.Info("target server requires OAuth authorization",
		zap.String("server", server.Name),
		zap.String("initiate", "/auth/initiate/"+server.Name),
	)

	return PendingAuth{TargetServer: server}
}

func (h *Handler) createConnection(ctx context.Context, server config.TargetServer) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()

	return h.factory.CreateConnection(ctx, server)
}

// reuseTokens connects with stored tokens only.
func (h *Handler) reuseTokens(ctx context.Context, server config.TargetServer) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()

	client, ok := h.oauth.SafeTryWithExistingTokens(ctx, server)
	if !ok {
		return nil, fmt.Errorf("%w: %s: no usable stored tokens", ErrFailedToConnect, server.Name)
	}

	return client, nil
}

func cloneServers(servers []config.TargetServer) []config.TargetServer {
	clone := make([]config.TargetServer, len(servers))
	for i := range servers {
		clone[i] = servers[i].Clone()
	}

	return clone
}
