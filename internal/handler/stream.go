package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/middleware"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// Response headers identifying who serves a stream.
const (
	HeaderModel          = "X-LLM-Model"
	HeaderDeployment     = "X-LLM-Deployment"
	HeaderConversationID = "X-Conversation-ID"
)

// StreamHandler streams chat answers as chunked plain text.
type StreamHandler struct {
	chat   *service.ChatService
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(chat *service.ChatService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{chat: chat, logger: log}
}

// Stream handles POST /api/chat/stream. Failures before the first byte are
// JSON errors; a provider failure mid-answer ends the body with an
// interruption marker.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := h.chat.ChatStream(ctx, middleware.GetOwner(ctx), req.toService())
	if err != nil {
		writeServiceError(w, h.logger, "chat stream failed", err)
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			h.logger.Error("failed to close chat stream", zap.Error(err))
		}
	}()

	meta := stream.Metadata()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(HeaderModel, string(meta.Family))
	w.Header().Set(HeaderDeployment, meta.Deployment)
	w.Header().Set(HeaderConversationID, stream.ConversationID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if !errors.Is(err, llm.ErrStreamAborted) && ctx.Err() == nil {
				h.logger.Warn("chat stream ended with error", zap.Error(err))
			}
			return
		}
		if _, err := io.WriteString(w, delta); err != nil {
			h.logger.Debug("client disconnected", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}
