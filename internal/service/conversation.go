package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// ConversationService handles conversation listing and lifecycle.
type ConversationService struct {
	store  store.ConversationStore
	logger *logger.Logger
	now    func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(s store.ConversationStore, log *logger.Logger) *ConversationService {
	return &ConversationService{store: s, logger: log, now: time.Now}
}

// Grouped is a conversation listing bucketed by recency.
type Grouped struct {
	Conversations []model.ConversationSummary            `json:"conversations"`
	Groups        map[string][]model.ConversationSummary `json:"groups"`
}

// List returns the owner's conversations, most recent first, with their
// recency buckets.
func (s *ConversationService) List(ctx context.Context, owner string, filter model.ListFilter) (*Grouped, error) {
	convs, err := s.store.List(ctx, owner, filter)
	if err != nil {
		return nil, err
	}
	return &Grouped{Conversations: convs, Groups: model.GroupByRecency(convs, s.now())}, nil
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, owner, id string) (*model.Conversation, error) {
	return s.store.Get(ctx, owner, id)
}

// Messages returns the messages of a conversation in order.
func (s *ConversationService) Messages(ctx context.Context, owner, id string) ([]model.Message, error) {
	conv, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Delete removes a conversation after checking it belongs to owner.
func (s *ConversationService) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.store.Get(ctx, owner, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, owner, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.logger.Info("conversation deleted", zap.String("conversation_id", id))
	return nil
}
