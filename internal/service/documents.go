package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/metrics"
)

// DefaultDocumentFamily summarizes uploaded documents.
const DefaultDocumentFamily = llm.FamilyID("GPT 4o-mini")

// Summaries are produced from the head of long documents.
const summaryInputLimit = 12000

const documentInstruction = "Summarize the following document in at most five sentences. " +
	"State only what the document says, keep names, figures and dates, and answer in the document's language."

// Extractor turns an uploaded file into a document.
type Extractor interface {
	Extract(ctx context.Context, raw []byte, filename string) (model.Document, error)
}

// Upload is one uploaded file.
type Upload struct {
	Name string
	Data []byte
}

// UploadResult reports where the documents were attached.
type UploadResult struct {
	ConversationID string           `json:"conversation_id,omitempty"`
	ProjectID      string           `json:"project_id,omitempty"`
	Documents      []model.Document `json:"documents"`
}

// DocumentService ingests uploads into conversations and projects.
type DocumentService struct {
	conversations store.ConversationStore
	projects      store.ProjectStore
	extractor     Extractor
	router        Router
	family        llm.FamilyID
	logger        *logger.Logger
}

// NewDocumentService creates a document service. family defaults to
// DefaultDocumentFamily.
func NewDocumentService(conversations store.ConversationStore, projects store.ProjectStore, extractor Extractor, router Router, family llm.FamilyID, log *logger.Logger) *DocumentService {
	if family == "" {
		family = DefaultDocumentFamily
	}
	return &DocumentService{
		conversations: conversations,
		projects:      projects,
		extractor:     extractor,
		router:        router,
		family:        family,
		logger:        log,
	}
}

// Ingest extracts and summarizes every upload. A failed summary leaves the
// document without one.
func (s *DocumentService) Ingest(ctx context.Context, uploads []Upload) ([]model.Document, error) {
	docs := make([]model.Document, 0, len(uploads))
	for _, up := range uploads {
		doc, err := s.extractor.Extract(ctx, up.Data, up.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", up.Name, err)
		}
		if !doc.IsImage() && strings.TrimSpace(doc.Content) != "" {
			summary, err := s.Summarize(ctx, doc.Content)
			if err != nil {
				s.logger.Warn("document summary failed", zap.String("name", doc.Name), zap.Error(err))
			} else {
				doc.Summary = summary
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Summarize returns a short overview of text.
func (s *DocumentService) Summarize(ctx context.Context, text string) (string, error) {
	r := []rune(strings.TrimSpace(text))
	if len(r) > summaryInputLimit {
		r = r[:summaryInputLimit]
	}
	msgs := []model.Message{
		model.NewMessage(model.RoleSystem, documentInstruction),
		model.NewMessage(model.RoleUser, string(r)),
	}
	summary, _, err := s.router.Chat(ctx, msgs, s.family)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}

// UploadToConversation attaches uploads to a conversation, creating a
// document conversation when conversationID is empty. The conversation
// becomes a doc conversation and records an attachment-only user turn.
func (s *DocumentService) UploadToConversation(ctx context.Context, owner, conversationID string, uploads []Upload) (*UploadResult, error) {
	var conv *model.Conversation
	if conversationID != "" {
		var err error
		if conv, err = s.conversations.Get(ctx, owner, conversationID); err != nil {
			return nil, err
		}
	}
	docs, err := s.Ingest(ctx, uploads)
	if err != nil {
		return nil, err
	}
	turn := attachmentTurn(docs)

	if conv == nil {
		conv, err := s.conversations.Create(ctx, owner, store.CreateOptions{Type: model.ConversationDoc, Seed: &turn})
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		conv.Documents = docs
		if err := s.conversations.Save(ctx, conv); err != nil {
			return nil, fmt.Errorf("failed to save conversation: %w", err)
		}
		metrics.ConversationsTotal.WithLabelValues(string(model.ConversationDoc)).Inc()
		return &UploadResult{ConversationID: conv.ID, Documents: docs}, nil
	}

	conv.Type = model.ConversationDoc
	conv.Documents = append(conv.Documents, docs...)
	conv.Append(turn)
	if err := s.conversations.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	s.logger.Info("documents attached to conversation",
		zap.String("conversation_id", conv.ID), zap.Int("count", len(docs)))
	return &UploadResult{ConversationID: conv.ID, Documents: docs}, nil
}

// UploadToProject appends uploads to a project's files.
func (s *DocumentService) UploadToProject(ctx context.Context, owner, projectID string, uploads []Upload) (*UploadResult, error) {
	proj, err := s.projects.Get(ctx, owner, projectID)
	if err != nil {
		return nil, err
	}
	docs, err := s.Ingest(ctx, uploads)
	if err != nil {
		return nil, err
	}
	proj.Files = append(proj.Files, docs...)
	if err := s.projects.Save(ctx, proj); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}
	s.logger.Info("documents attached to project",
		zap.String("project_id", proj.ID), zap.Int("count", len(docs)))
	return &UploadResult{ProjectID: proj.ID, Documents: docs}, nil
}

func attachmentTurn(docs []model.Document) model.Message {
	msg := model.NewMessage(model.RoleUser, "")
	for _, d := range docs {
		msg.Attachments = append(msg.Attachments, d.Attachment())
	}
	return msg
}
