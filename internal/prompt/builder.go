// Package prompt assembles the ordered message list sent for one user turn.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/model"
)

const codeFenceDirective = "Always format code as fenced Markdown code blocks annotated with the language, " +
	"for example ```python."

// Summarizer brings a conversation's rolling summary up to date.
type Summarizer interface {
	EnsureSummary(ctx context.Context, conv *model.Conversation) (bool, error)
}

// Auxiliary is the system context gathered for a turn.
type Auxiliary struct {
	Instructions string
	Documents    []model.Document
	Passages     []string
}

// Overviews renders the summaries of the documents that have one.
func (a Auxiliary) Overviews() string {
	var blocks []string
	for _, d := range a.Documents {
		if strings.TrimSpace(d.Summary) == "" {
			continue
		}
		blocks = append(blocks, "### "+d.Name+"\n"+d.Summary)
	}
	return strings.Join(blocks, "\n\n")
}

// SystemText joins the non-empty sections in a fixed order.
func (a Auxiliary) SystemText() string {
	var sections []string
	if s := strings.TrimSpace(a.Instructions); s != "" {
		sections = append(sections, "Project instructions:\n"+s)
	}
	if s := a.Overviews(); s != "" {
		sections = append(sections, "Document overviews:\n"+s)
	}
	if len(a.Passages) > 0 {
		sections = append(sections, "Context passages:\n"+strings.Join(a.Passages, "\n\n"))
	}
	return strings.Join(sections, "\n\n")
}

// Question is the new user turn.
type Question struct {
	Text   string
	Images []string // URLs or data URIs
}

// Message renders the question as the final user message.
func (q Question) Message() model.Message {
	if len(q.Images) == 0 {
		return model.NewMessage(model.RoleUser, q.Text)
	}
	parts := []model.ContentPart{model.TextPart(q.Text)}
	for _, img := range q.Images {
		parts = append(parts, model.ImagePart(img))
	}
	return model.NewPartsMessage(model.RoleUser, parts...)
}

// Builder assembles prompts.
type Builder struct {
	summarizer Summarizer
	keepLast   int
}

// NewBuilder creates a builder. summarizer may be nil.
func NewBuilder(summarizer Summarizer, keepLast int) *Builder {
	if keepLast <= 0 {
		keepLast = 8
	}
	return &Builder{summarizer: summarizer, keepLast: keepLast}
}

// Build updates the rolling summary and returns, in order: the code fence
// directive, the auxiliary context, the model identity notice, the summary,
// the retained tail and the new question. The conversation's messages are
// not modified; the caller appends the question afterwards.
func (b *Builder) Build(ctx context.Context, conv *model.Conversation, q Question, aux Auxiliary, family llm.FamilyID) ([]model.Message, error) {
	if strings.TrimSpace(q.Text) == "" && len(q.Images) == 0 {
		return nil, fmt.Errorf("empty question")
	}
	if b.summarizer != nil {
		if _, err := b.summarizer.EnsureSummary(ctx, conv); err != nil {
			return nil, err
		}
	}

	out := []model.Message{model.NewMessage(model.RoleSystem, codeFenceDirective)}
	if s := aux.SystemText(); s != "" {
		out = append(out, model.NewMessage(model.RoleSystem, s))
	}
	if family != "" {
		out = append(out, model.NewMessage(model.RoleSystem, identityDirective(family)))
	}
	if s := strings.TrimSpace(conv.Summary); s != "" {
		out = append(out, model.NewMessage(model.RoleSystem, "Conversation summary:\n"+s))
	}

	for _, m := range Tail(conv.Messages, b.keepLast) {
		out = append(out, retained(m))
	}
	return append(out, q.Message()), nil
}

// Tail returns the last n non-empty messages of the retained window.
func Tail(msgs []model.Message, n int) []model.Message {
	start := max(0, len(msgs)-n)
	out := make([]model.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		if m.IsEmpty() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// retained strips image parts from an earlier turn. Only the new question
// carries images, so a past picture does not reroute every later turn.
func retained(m model.Message) model.Message {
	if !m.HasImage() {
		return model.Message{Role: m.Role, Content: m.Content, Parts: m.Parts}
	}
	n := 0
	for _, p := range m.Parts {
		if p.Type == model.PartImage {
			n++
		}
	}
	note := fmt.Sprintf("[%d image(s) shared earlier]", n)
	return model.NewMessage(m.Role, strings.TrimSpace(m.Text()+"\n"+note))
}

func identityDirective(family llm.FamilyID) string {
	return fmt.Sprintf("You are answering through the %q model. If the user asks which model you are, say that you are %s.", family, family)
}
