// Package service implements conversation, chat, document and project
// operations on top of the router and the stores.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// ErrInvalid marks requests rejected before any model call.
var ErrInvalid = errors.New("invalid request")

// Router is the part of llm.Router the services drive.
type Router interface {
	Chat(ctx context.Context, msgs []model.Message, family llm.FamilyID) (string, *llm.Metadata, error)
	ChatStream(ctx context.Context, msgs []model.Message, family llm.FamilyID) (*llm.DeltaStream, *llm.Metadata, error)
	EffectiveFamily(msgs []model.Message, family llm.FamilyID) (llm.FamilyID, error)
}

// Retriever returns the k passages of text closest to query.
type Retriever interface {
	Retrieve(ctx context.Context, text, query string, k int) ([]string, error)
}

// events publishes conversation events without failing the caller.
type events struct {
	publisher store.EventPublisher
	logger    *logger.Logger
}

func (e events) publish(ctx context.Context, owner, conversationID string, typ model.EventType, reason string, meta map[string]any) {
	if e.publisher == nil {
		return
	}
	ev := &model.ConversationEvent{
		ID:             store.NewID(),
		ConversationID: conversationID,
		Owner:          owner,
		Type:           typ,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.publisher.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}

// failure publishes the event matching a router error.
func (e events) failure(ctx context.Context, owner, conversationID string, family llm.FamilyID, err error) {
	meta := map[string]any{"family": string(family)}
	var perr *llm.ProviderError
	switch {
	case errors.Is(err, llm.ErrExhaustedCapacity):
		e.publish(ctx, owner, conversationID, model.EventTypeCapacity, err.Error(), meta)
	case errors.Is(err, llm.ErrStreamAborted):
		e.publish(ctx, owner, conversationID, model.EventTypeAborted, err.Error(), meta)
	case errors.As(err, &perr) && perr.StatusCode == http.StatusTooManyRequests:
		e.publish(ctx, owner, conversationID, model.EventTypeRateLimit, err.Error(), meta)
	default:
		e.publish(ctx, owner, conversationID, model.EventTypeError, err.Error(), meta)
	}
}
