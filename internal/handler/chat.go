package handler

import (
	"net/http"
	"strings"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/middleware"
	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// ChatRequest is the body of POST /api/chat and /api/chat/stream.
type ChatRequest struct {
	ConversationID   string                 `json:"conversation_id"`
	Question         string                 `json:"question"`
	Model            string                 `json:"model"`
	Images           []string               `json:"images,omitempty"`
	Attachments      []model.Attachment     `json:"attachments,omitempty"`
	ConversationType model.ConversationType `json:"conversation_type,omitempty"`
	ProjectID        string                 `json:"project_id,omitempty"`
	Instructions     string                 `json:"instructions,omitempty"`
}

func (req ChatRequest) validate() error {
	if err := middleware.ValidateQuestion(req.Question, len(req.Images) > 0); err != nil {
		return err
	}
	if req.ConversationID != "" {
		if err := middleware.ValidateID(req.ConversationID); err != nil {
			return err
		}
	}
	if req.ProjectID != "" {
		if err := middleware.ValidateID(req.ProjectID); err != nil {
			return err
		}
	}
	return middleware.ValidateInstructions(req.Instructions)
}

func (req ChatRequest) toService() service.ChatRequest {
	return service.ChatRequest{
		ConversationID: req.ConversationID,
		Question:       req.Question,
		Images:         req.Images,
		Attachments:    req.Attachments,
		Family:         llm.FamilyID(strings.TrimSpace(req.Model)),
		Type:           req.ConversationType,
		ProjectID:      req.ProjectID,
		Instructions:   req.Instructions,
	}
}

// ChatHandler handles chat turns and model listing.
type ChatHandler struct {
	chat     *service.ChatService
	registry *llm.Registry
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, registry *llm.Registry, log *logger.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, registry: registry, logger: log}
}

// User handles GET /api/user
func (h *ChatHandler) User(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r.Context())
	writeJSON(w, http.StatusOK, id)
}

// ModelInfo describes a family to clients.
type ModelInfo struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Vision      bool   `json:"vision"`
	Default     bool   `json:"default"`
	Slots       int    `json:"slots"`
	Provisioned int    `json:"provisioned"`
}

// Models handles GET /api/models
func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	def := h.registry.Default().ID
	var out []ModelInfo
	for _, fam := range h.registry.Families() {
		info := ModelInfo{
			ID:       string(fam.ID),
			Provider: string(fam.Provider),
			Vision:   fam.Vision,
			Default:  fam.ID == def,
			Slots:    len(fam.Slots),
		}
		for _, s := range fam.Slots {
			if s.Provisioned() {
				info.Provisioned++
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

// Chat handles POST /api/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.chat.Chat(ctx, middleware.GetOwner(ctx), req.toService())
	if err != nil {
		writeServiceError(w, h.logger, "chat failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
