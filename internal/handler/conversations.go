// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/klint-ai/klint-gpt/internal/middleware"
	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/conversations?type=&project_id=
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetOwner(ctx)

	filter := model.ListFilter{
		Type:      model.ConversationType(r.URL.Query().Get("type")),
		ProjectID: r.URL.Query().Get("project_id"),
	}
	switch filter.Type {
	case "", model.ConversationChat, model.ConversationDoc, model.ConversationProject:
	default:
		writeError(w, http.StatusBadRequest, "invalid conversation type")
		return
	}

	grouped, err := h.service.List(ctx, owner, filter)
	if err != nil {
		writeServiceError(w, h.logger, "failed to list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, grouped)
}

// Messages handles GET /api/conversations/{id}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.service.Messages(ctx, middleware.GetOwner(ctx), id)
	if err != nil {
		writeServiceError(w, h.logger, "failed to get messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	})
}

// Delete handles DELETE /api/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Delete(ctx, middleware.GetOwner(ctx), id); err != nil {
		writeServiceError(w, h.logger, "failed to delete conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
