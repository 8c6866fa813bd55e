// Package history keeps a rolling summary of conversation turns older than
// the retained tail.
package history

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/metrics"
)

const (
	DefaultThreshold = 3000
	DefaultKeepLast  = 8
	DefaultFamily    = llm.FamilyID("GPT o1-mini")
)

const instruction = "You summarize a conversation factually so that only the important information is kept. " +
	"Never invent anything that is not in the transcript. " +
	"First list, as bullet points, stable facts about the user (name, role, preferences, constraints) " +
	"and every significant code block, reproduced verbatim. " +
	"Then add a short prose paragraph covering the remaining discussion."

// Chatter is the completion entry point used to condense turns.
type Chatter interface {
	Chat(ctx context.Context, msgs []model.Message, family llm.FamilyID) (string, *llm.Metadata, error)
}

// Config tunes when and how summaries are produced.
type Config struct {
	// Threshold is the token estimate above which older turns are condensed.
	Threshold int
	// KeepLast is the number of most recent messages never summarized.
	KeepLast int
	// Family condenses the transcript.
	Family llm.FamilyID
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.KeepLast <= 0 {
		c.KeepLast = DefaultKeepLast
	}
	if c.Family == "" {
		c.Family = DefaultFamily
	}
	return c
}

// Summarizer maintains Conversation.Summary and Conversation.SummaryIndex.
type Summarizer struct {
	chat   Chatter
	cfg    Config
	logger *logger.Logger
}

// New creates a summarizer.
func New(chat Chatter, cfg Config, log *logger.Logger) *Summarizer {
	return &Summarizer{chat: chat, cfg: cfg.withDefaults(), logger: log}
}

// KeepLast returns the retained tail size.
func (s *Summarizer) KeepLast() int { return s.cfg.KeepLast }

// Estimate returns the token estimate of the summary plus every message.
func Estimate(conv *model.Conversation) int {
	total := llm.EstimateTokens(conv.Summary)
	for _, m := range conv.Messages {
		total += llm.EstimateTokens(m.Text())
	}
	return total
}

// EnsureSummary folds messages[SummaryIndex:cut) into the summary when the
// conversation exceeds the threshold, where cut leaves the retained tail
// untouched. It reports whether the conversation changed. Calling it again
// without new messages is a no-op.
func (s *Summarizer) EnsureSummary(ctx context.Context, conv *model.Conversation) (bool, error) {
	if conv.SummaryIndex > len(conv.Messages) {
		conv.SummaryIndex = len(conv.Messages)
	}
	if Estimate(conv) <= s.cfg.Threshold {
		return false, nil
	}

	done := conv.SummaryIndex
	cut := max(done, len(conv.Messages)-s.cfg.KeepLast)
	if cut <= done {
		return false, nil
	}

	transcript := Transcript(conv.Messages[done:cut])
	if transcript == "" {
		// Only attachment stubs in range; nothing to condense.
		conv.SummaryIndex = cut
		return true, nil
	}

	summary, _, err := s.chat.Chat(ctx, []model.Message{
		model.NewMessage(model.RoleSystem, instruction),
		model.NewMessage(model.RoleUser, transcript),
	}, s.cfg.Family)
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("summarize messages %d-%d: %w", done, cut, err)
	}

	conv.Summary = strings.TrimSpace(conv.Summary + "\n\n" + strings.TrimSpace(summary))
	conv.SummaryIndex = cut
	metrics.SummariesTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("conversation summarized",
		zap.String("conversation_id", conv.ID),
		zap.Int("from", done),
		zap.Int("to", cut),
		zap.Int("summary_tokens", llm.EstimateTokens(conv.Summary)),
	)
	return true, nil
}

// Transcript renders messages as "role: text" blocks separated by blank lines.
func Transcript(msgs []model.Message) string {
	var blocks []string
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		blocks = append(blocks, string(m.Role)+": "+text)
	}
	return strings.Join(blocks, "\n\n")
}
