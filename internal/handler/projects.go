package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/klint-ai/klint-gpt/internal/middleware"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// ProjectRequest is the body of project create and update calls.
type ProjectRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// ProjectHandler handles project endpoints.
type ProjectHandler struct {
	projects *service.ProjectService
	logger   *logger.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(projects *service.ProjectService, log *logger.Logger) *ProjectHandler {
	return &ProjectHandler{projects: projects, logger: log}
}

// Create handles POST /api/projects
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateInstructions(req.Instructions); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.projects.Create(ctx, middleware.GetOwner(ctx), req.Name, req.Instructions)
	if err != nil {
		writeServiceError(w, h.logger, "failed to create project", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// List handles GET /api/projects
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projects, err := h.projects.List(ctx, middleware.GetOwner(ctx))
	if err != nil {
		writeServiceError(w, h.logger, "failed to list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// Get handles GET /api/projects/{id}
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	p, err := h.projects.Get(ctx, middleware.GetOwner(ctx), id)
	if err != nil {
		writeServiceError(w, h.logger, "failed to get project", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Update handles PUT /api/projects/{id}. Only the instructions change.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	var req ProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateInstructions(req.Instructions); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.projects.UpdateInstructions(ctx, middleware.GetOwner(ctx), id, req.Instructions)
	if err != nil {
		writeServiceError(w, h.logger, "failed to update project", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete handles DELETE /api/projects/{id}
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	if err := h.projects.Delete(ctx, middleware.GetOwner(ctx), id); err != nil {
		writeServiceError(w, h.logger, "failed to delete project", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
