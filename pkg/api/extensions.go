package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jkoelker/switchyard/pkg/config"
)

type serverAttributesResponse struct {
	Name     string `json:"name"`
	Inactive bool   `json:"inactive"`
}

type toolExtensionResponse struct {
	Service   string               `json:"service"`
	Tool      string               `json:"tool"`
	Extension config.ToolExtension `json:"extension"`
}

func (s *Server) activateTargetServer(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	if err := s.controlPlane.ActivateTargetServer(r.Context(), name); err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, serverAttributesResponse{Name: config.NormalizeName(name)})
}

func (s *Server) deactivateTargetServer(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	if err := s.controlPlane.DeactivateTargetServer(r.Context(), name); err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, serverAttributesResponse{Name: config.NormalizeName(name), Inactive: true})
}

func (s *Server) getTargetServerAttributes(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, s.controlPlane.GetTargetServerAttributes())
}

func (s *Server) removeTargetServerAttribute(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	if err := s.controlPlane.RemoveTargetServerAttribute(r.Context(), name); err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, nameResponse{Name: name})
}

func (s *Server) getToolExtensions(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, s.controlPlane.GetToolExtensions())
}

func (s *Server) createToolExtension(w http.ResponseWriter, r *http.Request) error {
	var extension config.ToolExtension
	if err := decode(r, &extension); err != nil {
		return err
	}

	service, tool := chi.URLParam(r, "service"), chi.URLParam(r, "tool")

	created, err := s.controlPlane.AddToolExtension(r.Context(), service, tool, extension)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusCreated, toolExtensionResponse{Service: service, Tool: tool, Extension: created})
}

func (s *Server) updateToolExtension(w http.ResponseWriter, r *http.Request) error {
	var update config.ToolExtension
	if err := decode(r, &update); err != nil {
		return err
	}

	service, tool := chi.URLParam(r, "service"), chi.URLParam(r, "tool")

	updated, err := s.controlPlane.UpdateToolExtension(r.Context(), service, tool, chi.URLParam(r, "name"), update)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, toolExtensionResponse{Service: service, Tool: tool, Extension: updated})
}

func (s *Server) deleteToolExtension(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")

	if err := s.controlPlane.DeleteToolExtension(
		r.Context(),
		chi.URLParam(r, "service"),
		chi.URLParam(r, "tool"),
		name,
	); err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, nameResponse{Name: name})
}
