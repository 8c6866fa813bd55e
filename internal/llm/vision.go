package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/klint-ai/klint-gpt/internal/model"
)

const describeInstruction = "Describe the attached images precisely for someone who cannot see them. " +
	"Transcribe any visible text verbatim, including tables and code. " +
	"Do not answer the question and do not invent details that are not visible."

const ocrInstruction = "Extract all text visible in this image. Return only the extracted text, " +
	"preserving line breaks and reading order. Return an empty answer if there is no text."

// bridge asks the vision family to describe every image-bearing message
// and replaces those messages with text-only equivalents.
func (r *Router) bridge(ctx context.Context, msgs []model.Message) ([]model.Message, error) {
	vision := r.registry.Vision()
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		if !m.HasImage() {
			out[i] = m
			continue
		}
		prompt := []model.Message{
			model.NewMessage(model.RoleSystem, describeInstruction),
			m,
		}
		if vision.MergeSystemIntoUser {
			prompt = MergeSystem(prompt)
		}
		meta := &Metadata{RequestedFamily: vision.ID, Family: vision.ID}
		comp, err := r.dispatch(ctx, vision, prompt, meta)
		if err != nil {
			return nil, fmt.Errorf("describe images: %w", err)
		}
		out[i] = describedMessage(m, comp.Content)
	}
	return out, nil
}

func describedMessage(m model.Message, description string) model.Message {
	text := strings.TrimSpace(m.Text())
	desc := "Image description:\n" + strings.TrimSpace(description)
	content := desc
	if text != "" {
		content = text + "\n\n" + desc
	}
	return model.Message{Role: m.Role, Content: content, Attachments: m.Attachments}
}

// OCR extracts the text of one image through the vision family. It has no
// conversation side effects.
func (r *Router) OCR(ctx context.Context, image []byte, mime string) (string, *Metadata, error) {
	if len(image) == 0 {
		return "", nil, fmt.Errorf("empty image")
	}
	msg := model.NewPartsMessage(model.RoleUser,
		model.TextPart(ocrInstruction),
		model.ImagePart(DataURI(mime, image)),
	)
	text, meta, err := r.Chat(ctx, []model.Message{msg}, r.registry.Vision().ID)
	if err != nil {
		return "", meta, err
	}
	return strings.TrimSpace(text), meta, nil
}
