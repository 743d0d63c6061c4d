package api

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/config"
	"github.com/jkoelker/switchyard/pkg/state"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

type nameResponse struct {
	Name string `json:"name"`
}

type consumerRequest struct {
	Name   string                `json:"name"`
	Config config.ConsumerConfig `json:"config"`
}

type consumerResponse struct {
	Name   string                `json:"name"`
	Config config.ConsumerConfig `json:"config"`
}

type targetServerResponse struct {
	Name           string            `json:"name"`
	Type           config.ServerType `json:"type"`
	Status         state.Status      `json:"status"`
	MissingEnvVars []string          `json:"missingEnvVars,omitempty"` //nolint:tagliatelle
	Error          string            `json:"error,omitempty"`
}

type completeAuthResponse struct {
	Name   string       `json:"name"`
	Status state.Status `json:"status"`
}

func (s *Server) listToolGroups(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, s.controlPlane.ListToolGroups())
}

func (s *Server) createToolGroup(w http.ResponseWriter, r *http.Request) error {
	var group config.ToolGroup
	if err := decode(r, &group); err != nil {
		return err
	}

	created, err := s.controlPlane.AddToolGroup(r.Context(), group)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getToolGroup(w http.ResponseWriter, r *http.Request) error {
	group, err := s.controlPlane.GetToolGroup(chi.URLParam(r, "name"))
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, group)
}

func (s *Server) updateToolGroup(w http.ResponseWriter, r *http.Request) error {
	var group config.ToolGroup
	if err := decode(r, &group); err != nil {
		return err
	}

	updated, err := s.controlPlane.UpdateToolGroup(r.Context(), chi.URLParam(r, "name"), group)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteToolGroup(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	if err := s.controlPlane.DeleteToolGroup(r.Context(), name); err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, nameResponse{Name: name})
}

func (s *Server) getPermissions(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, s.controlPlane.GetPermissions())
}

func (s *Server) updateDefaultPermission(w http.ResponseWriter, r *http.Request) error {
	var policy config.ConsumerConfig
	if err := decode(r, &policy); err != nil {
		return err
	}

	updated, err := s.controlPlane.UpdateDefaultPermission(r.Context(), policy)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, updated)
}

func (s *Server) createConsumer(w http.ResponseWriter, r *http.Request) error {
	var request consumerRequest
	if err := decode(r, &request); err != nil {
		return err
	}

	created, err := s.controlPlane.AddPermissionConsumer(r.Context(), request.Name, request.Config)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusCreated, consumerResponse{Name: request.Name, Config: created})
}

func (s *Server) getConsumer(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	policy, err := s.controlPlane.GetPermissionConsumer(name)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, consumerResponse{Name: name, Config: policy})
}

func (s *Server) updateConsumer(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	var policy config.ConsumerConfig
	if err := decode(r, &policy); err != nil {
		return err
	}

	updated, err := s.controlPlane.UpdatePermissionConsumer(r.Context(), name, policy)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, consumerResponse{Name: name, Config: updated})
}

func (s *Server) deleteConsumer(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	if err := s.controlPlane.DeletePermissionConsumer(r.Context(), name); err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, nameResponse{Name: name})
}

func (s *Server) listTargetServers(w http.ResponseWriter, _ *http.Request) error {
	clients := s.upstream.Clients()
	servers := make([]targetServerResponse, 0, len(clients))

	for _, client := range clients {
		servers = append(servers, describe(client))
	}

	slices.SortFunc(servers, func(a, b targetServerResponse) int {
		return strings.Compare(a.Name, b.Name)
	})

	return writeJSON(w, http.StatusOK, servers)
}

func (s *Server) addTargetServer(w http.ResponseWriter, r *http.Request) error {
	var server config.TargetServer
	if err := decode(r, &server); err != nil {
		return err
	}

	if err := s.upstream.AddClient(r.Context(), server); err != nil {
		return err
	}

	s.logger.Info("target server added", zap.String("server", server.Name))

	return writeJSON(w, http.StatusCreated, nameResponse{Name: server.Name})
}

func (s *Server) removeTargetServer(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	if err := s.upstream.RemoveClient(r.Context(), name); err != nil {
		return err
	}

	s.logger.Info("target server removed", zap.String("server", name))

	return writeJSON(w, http.StatusOK, nameResponse{Name: name})
}

func (s *Server) reloadTargetServer(w http.ResponseWriter, r *http.Request) error {
	client, err := s.upstream.ReconnectClient(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, describe(client))
}

func (s *Server) initiateAuth(w http.ResponseWriter, r *http.Request) error {
	request, err := s.upstream.InitiateOAuthForServer(r.Context(), chi.URLParam(r, "name"), s.callbackFor(r))
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, request)
}

func (s *Server) completeAuth(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()

	authState, code := query.Get("state"), query.Get("code")
	if authState == "" || code == "" {
		return fmt.Errorf("%w: state and code are required", errInvalidBody)
	}

	name, err := s.upstream.CompleteOAuthByState(r.Context(), authState, code)
	if err != nil {
		return err
	}

	status := state.StatusConnectionFailed
	if client, ok := s.upstream.Clients()[config.NormalizeName(name)]; ok {
		status = client.Status()
	}

	return writeJSON(w, http.StatusOK, completeAuthResponse{Name: name, Status: status})
}

func (s *Server) getCatalog(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, s.catalog.Catalog())
}

func (s *Server) setCatalog(w http.ResponseWriter, r *http.Request) error {
	var next catalog.Catalog
	if err := decode(r, &next); err != nil {
		return err
	}

	change := s.catalog.SetCatalog(next)

	s.logger.Info("catalog replaced",
		zap.Strings("removed", change.RemovedServers),
		zap.Strings("changed", change.ServerApprovedToolsChanged),
		zap.Bool("strictness", change.StrictnessChanged),
	)

	return writeJSON(w, http.StatusOK, s.catalog.Catalog())
}

func (s *Server) getSystemState(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) callbackFor(r *http.Request) string {
	if s.callbackURL != "" {
		return s.callbackURL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}

	return scheme + "://" + r.Host + CallbackPath
}

func describe(client upstream.TargetClient) targetServerResponse {
	server := client.Server()

	response := targetServerResponse{
		Name:   server.Name,
		Type:   server.ServerType(),
		Status: client.Status(),
	}

	switch client := client.(type) {
	case upstream.PendingInput:
		response.MissingEnvVars = client.MissingEnvVars
	case upstream.ConnectionFailed:
		if client.Err != nil {
			response.Error = client.Err.Error()
		}
	case upstream.Connected, upstream.PendingAuth:
	}

	return response
}
