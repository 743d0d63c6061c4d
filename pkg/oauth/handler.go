// Package oauth authorizes the gateway against remote target servers.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

var (
	// ErrNotConfigured is returned for servers without an OAuth registration.
	ErrNotConfigured = errors.New("oauth is not configured")

	// ErrNoPendingFlow is returned when completing a flow that was never started.
	ErrNoPendingFlow = errors.New("no pending authorization flow")
)

// Connector connects to a remote server over an authorized HTTP client.
type Connector interface {
	ConnectRemote(ctx context.Context, server config.TargetServer, httpClient *http.Client) (upstream.Client, error)
}

type flow struct {
	state    string
	server   config.TargetServer
	config   *oauth2.Config
	verifier string
	cancel   context.CancelFunc
}

// Handler implements upstream.OAuthConnectionHandler.
type Handler struct {
	logger     *zap.Logger
	connector  Connector
	store      *TokenStore
	lookupEnv  func(string) (string, bool)
	httpClient *http.Client

	mu       sync.Mutex
	flows    map[string]*flow
	byServer map[string]string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLookupEnv sets how client secrets are resolved.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(h *Handler) {
		h.lookupEnv = lookup
	}
}

// WithHTTPClient sets the client used for the token endpoints and as the
// base of authorized clients.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		h.httpClient = client
	}
}

// NewHandler returns a Handler storing tokens in store.
func NewHandler(logger *zap.Logger, connector Connector, store *TokenStore, opts ...Option) *Handler {
	handler := &Handler{
		logger:     logger.Named("oauth"),
		connector:  connector,
		store:      store,
		lookupEnv:  os.LookupEnv,
		httpClient: http.DefaultClient,
		flows:      make(map[string]*flow),
		byServer:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(handler)
	}

	return handler
}

func (h *Handler) oauthConfig(server config.TargetServer, callbackURL string) (*oauth2.Config, error) {
	if server.OAuth == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, server.Name)
	}

	registration := server.OAuth

	secret, ok := registration.ClientSecret.Resolve(h.lookupEnv)
	if !ok {
		return nil, &config.MissingEnvError{Server: server.Name, Vars: []string{registration.ClientSecret.FromEnv}}
	}

	redirect := registration.RedirectURL
	if redirect == "" {
		redirect = callbackURL
	}

	return &oauth2.Config{
		ClientID:     registration.ClientID,
		ClientSecret: secret,
		RedirectURL:  redirect,
		Scopes:       registration.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       registration.AuthURL,
			TokenURL:      registration.TokenURL,
			DeviceAuthURL: registration.DeviceAuthURL,
		},
	}, nil
}

// withHTTPClient makes oauth2 use the configured client for token requests.
func (h *Handler) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
}

// connect connects to server with token, refreshing and saving it as needed.
func (h *Handler) connect(
	ctx context.Context,
	server config.TargetServer,
	cfg *oauth2.Config,
	token *oauth2.Token,
) (upstream.Client, error) {
	// Refreshes happen for the lifetime of the client.
	tokenCtx := h.withHTTPClient(context.WithoutCancel(ctx))

	source := &persistingTokenSource{
		server: server.Name,
		source: cfg.TokenSource(tokenCtx, token),
		store:  h.store,
		last:   token,
		onErr: func(err error) {
			h.logger.Warn("failed to persist refreshed token", zap.String("server", server.Name), zap.Error(err))
		},
	}

	httpClient := oauth2.NewClient(tokenCtx, oauth2.ReuseTokenSource(token, source))

	return h.connector.ConnectRemote(ctx, server, httpClient)
}

// SafeTryWithExistingTokens connects using stored tokens without user
// interaction. Tokens the server rejects are forgotten.
func (h *Handler) SafeTryWithExistingTokens(ctx context.Context, server config.TargetServer) (upstream.Client, bool) {
	logger := h.logger.With(zap.String("server", server.Name))

	token, ok := h.store.Load(server.Name)
	if !ok {
		logger.Debug("no stored tokens")

		return nil, false
	}

	cfg, err := h.oauthConfig(server, "")
	if err != nil {
		logger.Debug("cannot use stored tokens", zap.Error(err))

		return nil, false
	}

	client, err := h.connect(ctx, server, cfg, token)
	if err != nil {
		logger.Info("stored tokens were not accepted", zap.Error(err))

		if upstream.IsAuthenticationError(err) {
			if err := h.store.Delete(server.Name); err != nil {
				logger.Warn("failed to delete rejected tokens", zap.Error(err))
			}
		}

		return nil, false
	}

	return client, true
}

// InitiateOAuth starts an authorization code flow with PKCE, or a device
// flow when the server registers a device authorization endpoint. A device
// flow is polled in the background and onComplete receives the connected
// client.
func (h *Handler) InitiateOAuth(
	ctx context.Context,
	server config.TargetServer,
	callbackURL string,
	onComplete func(upstream.Client),
) (upstream.AuthorizationRequest, error) {
	cfg, err := h.oauthConfig(server, callbackURL)
	if err != nil {
		return upstream.AuthorizationRequest{}, err
	}

	h.CancelPending(server.Name)

	pending := &flow{state: uuid.NewString(), server: server.Clone(), config: cfg}

	if !server.OAuth.DeviceFlow() {
		pending.verifier = oauth2.GenerateVerifier()
		h.register(pending)

		return upstream.AuthorizationRequest{
			AuthorizationURL: cfg.AuthCodeURL(pending.state,
				oauth2.AccessTypeOffline,
				oauth2.S256ChallengeOption(pending.verifier),
			),
			State: pending.state,
		}, nil
	}

	response, err := cfg.DeviceAuth(h.withHTTPClient(ctx))
	if err != nil {
		return upstream.AuthorizationRequest{}, fmt.Errorf("device authorization failed: %w", err)
	}

	pollCtx, cancel := context.WithCancel(h.withHTTPClient(context.WithoutCancel(ctx)))
	pending.cancel = cancel
	h.register(pending)

	go h.pollDevice(pollCtx, pending, response, onComplete)

	verificationURL := response.VerificationURIComplete
	if verificationURL == "" {
		verificationURL = response.VerificationURI
	}

	return upstream.AuthorizationRequest{
		AuthorizationURL: verificationURL,
		State:            pending.state,
		UserCode:         response.UserCode,
	}, nil
}

func (h *Handler) pollDevice(
	ctx context.Context,
	pending *flow,
	response *oauth2.DeviceAuthResponse,
	onComplete func(upstream.Client),
) {
	logger := h.logger.With(zap.String("server", pending.server.Name))
	defer h.CompleteFlowCleanup(pending.state)

	token, err := pending.config.DeviceAccessToken(ctx, response)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("device authorization failed", zap.Error(err))
		}

		return
	}

	if err := h.store.Save(pending.server.Name, token); err != nil {
		logger.Warn("failed to store tokens", zap.Error(err))
	}

	client, err := h.connect(ctx, pending.server, pending.config, token)
	if err != nil {
		logger.Warn("failed to connect after device authorization", zap.Error(err))

		return
	}

	if onComplete != nil {
		onComplete(client)
	}
}

func (h *Handler) register(pending *flow) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.flows[pending.state] = pending
	h.byServer[pending.server.Key()] = pending.state
}

// CompleteOAuth exchanges code for tokens of the pending flow of serverName
// and connects the server.
func (h *Handler) CompleteOAuth(ctx context.Context, serverName, code string) (upstream.Client, error) {
	h.mu.Lock()
	pending, ok := h.flows[h.byServer[config.NormalizeName(serverName)]]
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingFlow, serverName)
	}

	token, err := pending.config.Exchange(h.withHTTPClient(ctx), code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := h.store.Save(pending.server.Name, token); err != nil {
		h.logger.Warn("failed to store tokens", zap.String("server", serverName), zap.Error(err))
	}

	return h.connect(ctx, pending.server, pending.config, token)
}

// ServerNameByState returns the server of the flow identified by state.
func (h *Handler) ServerNameByState(state string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending, ok := h.flows[state]
	if !ok {
		return "", false
	}

	return pending.server.Name, true
}

// CompleteFlowCleanup forgets the flow identified by state.
func (h *Handler) CompleteFlowCleanup(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending, ok := h.flows[state]
	if !ok {
		return
	}

	if pending.cancel != nil {
		pending.cancel()
	}

	delete(h.flows, state)

	if h.byServer[pending.server.Key()] == state {
		delete(h.byServer, pending.server.Key())
	}
}

// CancelPending abandons the pending flow of serverName, if any.
func (h *Handler) CancelPending(serverName string) {
	h.mu.Lock()
	state, ok := h.byServer[config.NormalizeName(serverName)]
	h.mu.Unlock()

	if ok {
		h.CompleteFlowCleanup(state)
	}
}
