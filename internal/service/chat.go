package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/prompt"
	"github.com/klint-ai/klint-gpt/internal/retrieval"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/metrics"
)

// AbortMarker is appended to a stream, and to the stored answer, when the
// provider fails after output started.
const AbortMarker = "\n\n[response interrupted]"

// ErrEmptyQuestion is returned for a turn without text or images.
var ErrEmptyQuestion = fmt.Errorf("%w: question is empty", ErrInvalid)

// ChatRequest is one user turn.
type ChatRequest struct {
	ConversationID string
	Question       string
	// Images are URLs or data URIs attached to the turn.
	Images      []string
	Attachments []model.Attachment
	Family      llm.FamilyID

	// Used only when a new conversation is created.
	Type         model.ConversationType
	ProjectID    string
	Instructions string
}

// ChatResult is the outcome of a synchronous turn.
type ChatResult struct {
	ConversationID string        `json:"conversation_id"`
	Answer         string        `json:"answer"`
	Metadata       *llm.Metadata `json:"metadata"`
}

// ChatConfig tunes context assembly.
type ChatConfig struct {
	DefaultFamily llm.FamilyID
	TopK          int
}

// ChatService runs chat turns.
type ChatService struct {
	conversations store.ConversationStore
	projects      store.ProjectStore
	events        events
	router        Router
	builder       *prompt.Builder
	retriever     Retriever
	cfg           ChatConfig
	logger        *logger.Logger
	tracer        trace.Tracer
}

// NewChatService wires a chat service. projects, publisher and retriever may
// be nil.
func NewChatService(
	conversations store.ConversationStore,
	projects store.ProjectStore,
	publisher store.EventPublisher,
	router Router,
	builder *prompt.Builder,
	retriever Retriever,
	cfg ChatConfig,
	log *logger.Logger,
) *ChatService {
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	return &ChatService{
		conversations: conversations,
		projects:      projects,
		events:        events{publisher: publisher, logger: log},
		router:        router,
		builder:       builder,
		retriever:     retriever,
		cfg:           cfg,
		logger:        log,
		tracer:        otel.Tracer("github.com/klint-ai/klint-gpt/internal/service"),
	}
}

// turn is a prepared request: the conversation with the user message
// appended and the prompt to send.
type turn struct {
	owner  string
	conv   *model.Conversation
	family llm.FamilyID
	prompt []model.Message
	start  time.Time
}

// Chat runs one synchronous turn and persists both messages.
func (s *ChatService) Chat(ctx context.Context, owner string, req ChatRequest) (*ChatResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.Chat")
	defer span.End()

	t, err := s.prepare(ctx, owner, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", t.conv.ID))

	answer, meta, err := s.router.Chat(ctx, t.prompt, t.family)
	if err != nil {
		s.events.failure(ctx, owner, t.conv.ID, t.family, err)
		return nil, err
	}

	t.conv.Append(assistantMessage(answer, meta, false))
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	if err := s.conversations.Save(ctx, t.conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	s.logger.Info("chat turn completed",
		zap.String("conversation_id", t.conv.ID),
		zap.String("family", string(meta.Family)),
		zap.String("deployment", meta.Deployment),
		zap.Duration("latency", time.Since(t.start)),
	)
	return &ChatResult{ConversationID: t.conv.ID, Answer: answer, Metadata: meta}, nil
}

// ChatStream starts a streaming turn. The caller must Close the returned
// stream; Close persists whatever was received.
func (s *ChatService) ChatStream(ctx context.Context, owner string, req ChatRequest) (*ChatStream, error) {
	t, err := s.prepare(ctx, owner, req)
	if err != nil {
		return nil, err
	}

	deltas, meta, err := s.router.ChatStream(ctx, t.prompt, t.family)
	if err != nil {
		s.events.failure(ctx, owner, t.conv.ID, t.family, err)
		return nil, err
	}
	metrics.IncrementStreamConnections()
	return &ChatStream{svc: s, ctx: ctx, turn: t, deltas: deltas, meta: meta}, nil
}

func (s *ChatService) prepare(ctx context.Context, owner string, req ChatRequest) (*turn, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" && len(req.Images) == 0 {
		return nil, ErrEmptyQuestion
	}
	family := req.Family
	if family == "" {
		family = s.cfg.DefaultFamily
	}

	conv, err := s.conversation(ctx, owner, req, question)
	if err != nil {
		return nil, err
	}
	if conv.HasDefaultTitle() {
		conv.Title = model.TitleFromQuestion(question)
	}

	aux := s.auxiliary(ctx, owner, conv, question)

	before := conv.SummaryIndex
	q := prompt.Question{Text: question, Images: req.Images}
	// The identity notice names the family that will answer, which differs
	// from the requested one when images force the vision family.
	serving, err := s.router.EffectiveFamily([]model.Message{q.Message()}, family)
	if err != nil {
		return nil, err
	}
	msgs, err := s.builder.Build(ctx, conv, q, aux, serving)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}
	if conv.SummaryIndex > before {
		s.events.publish(ctx, owner, conv.ID, model.EventTypeSummary, "history condensed",
			map[string]any{"summary_index": conv.SummaryIndex})
	}

	userMsg := q.Message()
	userMsg.Attachments = req.Attachments
	now := time.Now().UTC()
	userMsg.CreatedAt = &now
	conv.Append(userMsg)
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	return &turn{owner: owner, conv: conv, family: family, prompt: msgs, start: time.Now()}, nil
}

func (s *ChatService) conversation(ctx context.Context, owner string, req ChatRequest, question string) (*model.Conversation, error) {
	if req.ConversationID != "" {
		return s.conversations.Get(ctx, owner, req.ConversationID)
	}
	typ := req.Type
	if typ == "" {
		typ = model.ConversationChat
		if req.ProjectID != "" {
			typ = model.ConversationProject
		}
	}
	conv, err := s.conversations.Create(ctx, owner, store.CreateOptions{
		Type:         typ,
		ProjectID:    req.ProjectID,
		Instructions: req.Instructions,
		Title:        model.TitleFromQuestion(question),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	metrics.ConversationsTotal.WithLabelValues(string(typ)).Inc()
	return conv, nil
}

// auxiliary collects instructions, documents and retrieved passages. The
// conversation's own instructions win over the project's.
func (s *ChatService) auxiliary(ctx context.Context, owner string, conv *model.Conversation, question string) prompt.Auxiliary {
	aux := prompt.Auxiliary{Instructions: conv.Instructions}
	aux.Documents = append(aux.Documents, conv.Documents...)

	if conv.ProjectID != "" && s.projects != nil {
		proj, err := s.projects.Get(ctx, owner, conv.ProjectID)
		switch {
		case err == nil:
			aux.Documents = append(aux.Documents, proj.Files...)
			if strings.TrimSpace(aux.Instructions) == "" {
				aux.Instructions = proj.Instructions
			}
		case errors.Is(err, store.ErrNotFound):
			s.logger.Warn("conversation references missing project",
				zap.String("conversation_id", conv.ID), zap.String("project_id", conv.ProjectID))
		default:
			s.logger.Warn("failed to load project", zap.String("project_id", conv.ProjectID), zap.Error(err))
		}
	}

	if s.retriever == nil || question == "" {
		return aux
	}
	var texts []string
	for _, d := range aux.Documents {
		if !d.IsImage() && strings.TrimSpace(d.Content) != "" {
			texts = append(texts, d.Content)
		}
	}
	if len(texts) == 0 {
		return aux
	}
	passages, err := s.retriever.Retrieve(ctx, strings.Join(texts, "\n"), question, s.cfg.TopK)
	if err != nil {
		s.logger.Warn("retrieval failed, answering without passages",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return aux
	}
	aux.Passages = passages
	return aux
}

func assistantMessage(answer string, meta *llm.Metadata, partial bool) model.Message {
	msg := model.NewMessage(model.RoleAssistant, answer)
	now := time.Now().UTC()
	msg.CreatedAt = &now
	msg.Partial = partial
	if meta != nil {
		msg.Family = string(meta.Family)
		msg.Deployment = meta.Deployment
	}
	return msg
}

// ChatStream relays deltas of a streaming turn and persists the answer on
// Close.
type ChatStream struct {
	svc    *ChatService
	ctx    context.Context
	turn   *turn
	deltas *llm.DeltaStream
	meta   *llm.Metadata

	mu       sync.Mutex
	buf      strings.Builder
	finished bool
	aborted  bool
	err      error

	closeOnce sync.Once
	closeErr  error
}

// Metadata identifies the family and deployment serving the stream.
func (c *ChatStream) Metadata() *llm.Metadata { return c.meta }

// ConversationID returns the conversation the turn belongs to.
func (c *ChatStream) ConversationID() string { return c.turn.conv.ID }

// Recv returns the next delta. After a mid-stream provider failure it
// returns AbortMarker once, then the *llm.StreamError. A clean end is io.EOF.
func (c *ChatStream) Recv() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return "", c.err
	}
	d, err := c.deltas.Recv()
	switch {
	case err == nil:
		c.buf.WriteString(d)
		return d, nil
	case errors.Is(err, io.EOF):
		c.finished = true
		c.err = io.EOF
		return "", io.EOF
	case c.ctx.Err() != nil:
		// The client went away; Close keeps what was received.
		c.err = err
		return "", err
	case errors.Is(err, llm.ErrStreamAborted):
		c.aborted = true
		c.err = err
		c.buf.WriteString(AbortMarker)
		c.svc.events.failure(c.ctx, c.turn.owner, c.turn.conv.ID, c.turn.family, err)
		return AbortMarker, nil
	default:
		c.err = err
		c.svc.events.failure(c.ctx, c.turn.owner, c.turn.conv.ID, c.turn.family, err)
		return "", err
	}
}

// Close stops the stream and persists the turn exactly once, even when the
// request context is already cancelled.
func (c *ChatStream) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.persist()
	})
	return c.closeErr
}

func (c *ChatStream) persist() error {
	_ = c.deltas.Close()
	metrics.DecrementStreamConnections()

	c.mu.Lock()
	answer := c.buf.String()
	partial := !c.finished
	status := "success"
	switch {
	case c.aborted:
		status = "aborted"
	case partial:
		status = "disconnected"
	}
	c.mu.Unlock()

	t := c.turn
	metrics.RecordLLMStream(string(c.meta.Family), status, time.Since(t.start).Seconds(),
		llm.EstimateMessages(t.prompt), llm.EstimateTokens(answer))

	if answer != "" {
		t.conv.Append(assistantMessage(answer, c.meta, partial))
		metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	}
	ctx := context.WithoutCancel(c.ctx)
	if err := c.svc.conversations.Save(ctx, t.conv); err != nil {
		c.svc.logger.Error("failed to persist streamed answer",
			zap.String("conversation_id", t.conv.ID), zap.Error(err))
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	c.svc.logger.Info("chat stream closed",
		zap.String("conversation_id", t.conv.ID),
		zap.String("family", string(c.meta.Family)),
		zap.String("status", status),
		zap.Int("chars", len(answer)),
	)
	return nil
}
