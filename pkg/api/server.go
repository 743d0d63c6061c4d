// Package api serves the control plane over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/configmanager"
	"github.com/jkoelker/switchyard/pkg/controlplane"
	"github.com/jkoelker/switchyard/pkg/state"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

// CallbackPath is where OAuth providers redirect after authorization.
const CallbackPath = "/oauth/callback"

var errInvalidBody = errors.New("invalid request body")

// ControlPlane edits tool groups, permissions, server attributes and tool
// extensions.
type ControlPlane interface {
	ListToolGroups() []config.ToolGroup
	GetToolGroup(name string) (config.ToolGroup, error)
	AddToolGroup(ctx context.Context, group config.ToolGroup) (config.ToolGroup, error)
	UpdateToolGroup(ctx context.Context, name string, update config.ToolGroup) (config.ToolGroup, error)
	DeleteToolGroup(ctx context.Context, name string) error
	GetPermissions() config.Permissions
	UpdateDefaultPermission(ctx context.Context, policy config.ConsumerConfig) (config.ConsumerConfig, error)
	GetPermissionConsumer(name string) (config.ConsumerConfig, error)
	AddPermissionConsumer(ctx context.Context, name string, policy config.ConsumerConfig) (config.ConsumerConfig, error)
	UpdatePermissionConsumer(ctx context.Context, name string, policy config.ConsumerConfig) (config.ConsumerConfig, error)
	DeletePermissionConsumer(ctx context.Context, name string) error
	GetTargetServerAttributes() config.ServerAttributeSet
	ActivateTargetServer(ctx context.Context, name string) error
	DeactivateTargetServer(ctx context.Context, name string) error
	RemoveTargetServerAttribute(ctx context.Context, name string) error
	GetToolExtensions() config.ToolExtensions
	AddToolExtension(
		ctx context.Context,
		service, tool string,
		extension config.ToolExtension,
	) (config.ToolExtension, error)
	UpdateToolExtension(
		ctx context.Context,
		service, tool, name string,
		update config.ToolExtension,
	) (config.ToolExtension, error)
	DeleteToolExtension(ctx context.Context, service, tool, name string) error
}

// Upstream manages the target servers.
type Upstream interface {
	Clients() map[string]upstream.TargetClient
	AddClient(ctx context.Context, server config.TargetServer) error
	RemoveClient(ctx context.Context, name string) error
	ReconnectClient(ctx context.Context, name string) (upstream.TargetClient, error)
	InitiateOAuthForServer(ctx context.Context, name, callbackURL string) (upstream.AuthorizationRequest, error)
	CompleteOAuthByState(ctx context.Context, state, code string) (string, error)
}

// Catalog holds the approved servers and tools.
type Catalog interface {
	Catalog() catalog.Catalog
	SetCatalog(catalog catalog.Catalog) catalog.Change
}

// StateReader reports the system state.
type StateReader interface {
	Snapshot() state.SystemState
}

// Server routes control plane requests.
type Server struct {
	logger       *zap.Logger
	controlPlane ControlPlane
	upstream     Upstream
	catalog      Catalog
	state        StateReader
	metrics      http.Handler
	callbackURL  string
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves handler under /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

// WithCallbackURL sets the OAuth redirect URL. By default it is derived
// from the request that initiates the flow.
func WithCallbackURL(url string) Option {
	return func(s *Server) {
		s.callbackURL = url
	}
}

// NewServer creates a Server.
func NewServer(
	logger *zap.Logger,
	controlPlane ControlPlane,
	upstream Upstream,
	catalog Catalog,
	state StateReader,
	opts ...Option,
) *Server {
	server := &Server{
		logger:       logger.Named("api"),
		controlPlane: controlPlane,
		upstream:     upstream,
		catalog:      catalog,
		state:        state,
	}

	for _, opt := range opts {
		opt(server)
	}

	return server
}

// Handler returns the HTTP handler of every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/tool-groups", func(r chi.Router) {
		r.Get("/", s.handle(s.listToolGroups))
		r.Post("/", s.handle(s.createToolGroup))
		r.Get("/{name}", s.handle(s.getToolGroup))
		r.Put("/{name}", s.handle(s.updateToolGroup))
		r.Delete("/{name}", s.handle(s.deleteToolGroup))
	})

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", s.handle(s.getPermissions))
		r.Put("/default", s.handle(s.updateDefaultPermission))
		r.Post("/consumers", s.handle(s.createConsumer))
		r.Get("/consumers/{name}", s.handle(s.getConsumer))
		r.Put("/consumers/{name}", s.handle(s.updateConsumer))
		r.Delete("/consumers/{name}", s.handle(s.deleteConsumer))
	})

	r.Route("/target-servers", func(r chi.Router) {
		r.Get("/", s.handle(s.listTargetServers))
		r.Post("/", s.handle(s.addTargetServer))
		r.Delete("/{name}", s.handle(s.removeTargetServer))
		r.Post("/{name}/reload", s.handle(s.reloadTargetServer))
		r.Post("/{name}/activate", s.handle(s.activateTargetServer))
		r.Post("/{name}/deactivate", s.handle(s.deactivateTargetServer))
	})

	r.Route("/target-server-attributes", func(r chi.Router) {
		r.Get("/", s.handle(s.getTargetServerAttributes))
		r.Delete("/{name}", s.handle(s.removeTargetServerAttribute))
	})

	r.Route("/tool-extensions", func(r chi.Router) {
		r.Get("/", s.handle(s.getToolExtensions))
		r.Post("/{service}/{tool}", s.handle(s.createToolExtension))
		r.Put("/{service}/{tool}/{name}", s.handle(s.updateToolExtension))
		r.Delete("/{service}/{tool}/{name}", s.handle(s.deleteToolExtension))
	})

	r.Post("/auth/initiate/{name}", s.handle(s.initiateAuth))
	r.Get(CallbackPath, s.handle(s.completeAuth))

	r.Get("/catalog", s.handle(s.getCatalog))
	r.Put("/catalog", s.handle(s.setCatalog))

	r.Get("/system-state", s.handle(s.getSystemState))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return r
}

type handlerWithError func(http.ResponseWriter, *http.Request) error

// handle converts errors returned by fn into HTTP responses.
func (s *Server) handle(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := statusCode(err)

		if code >= http.StatusInternalServerError {
			s.logger.Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)

			http.Error(w, http.StatusText(code), code)

			return
		}

		s.logger.Debug("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)

		http.Error(w, err.Error(), code)
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, controlplane.ErrAlreadyExists),
		errors.Is(err, upstream.ErrAlreadyExists),
		errors.Is(err, configmanager.ErrConfigInTransit):
		return http.StatusConflict
	case errors.Is(err, controlplane.ErrNotFound),
		errors.Is(err, upstream.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, controlplane.ErrBadInput),
		errors.Is(err, config.ErrInvalidSchema),
		errors.Is(err, errInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, upstream.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, configmanager.ErrUpdateRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: %w", errInvalidBody, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(value); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	return nil
}
