package model

import (
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType is the kind of a content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// ContentPart is one element of a multi-part (vision) message.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image reference part (URL or data URI).
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImage, ImageURL: url}
}

// Attachment describes a file attached to a turn.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Message represents a conversation message. When Parts is non-empty it
// carries the content and Content is ignored by the wire layer.
type Message struct {
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Parts       []ContentPart `json:"parts,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`

	// LLM metadata, set on assistant messages.
	Family     string     `json:"family,omitempty"`
	Deployment string     `json:"deployment,omitempty"`
	Partial    bool       `json:"partial,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// NewMessage creates a plain text message.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// NewPartsMessage creates a multi-part message.
func NewPartsMessage(role Role, parts ...ContentPart) Message {
	return Message{Role: role, Parts: parts}
}

// HasImage reports whether any part is an image reference.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// Text returns the textual content, joining text parts for multi-part messages.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// IsEmpty reports whether the message carries no content at all.
func (m Message) IsEmpty() bool {
	return len(m.Parts) == 0 && strings.TrimSpace(m.Content) == ""
}

// WithPrefix returns a copy with text prepended (joined by a blank line).
func (m Message) WithPrefix(prefix string) Message {
	out := m.clone()
	if len(out.Parts) == 0 {
		out.Content = joinBlocks(prefix, out.Content)
		return out
	}
	out.Parts = append([]ContentPart{TextPart(prefix)}, out.Parts...)
	return out
}

// WithSuffix returns a copy with text appended (joined by a blank line).
func (m Message) WithSuffix(suffix string) Message {
	out := m.clone()
	if len(out.Parts) == 0 {
		out.Content = joinBlocks(out.Content, suffix)
		return out
	}
	out.Parts = append(out.Parts, TextPart(suffix))
	return out
}

func (m Message) clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = append([]ContentPart(nil), m.Parts...)
	}
	return out
}

func joinBlocks(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// HasImages reports whether any message in the sequence carries an image part.
func HasImages(msgs []Message) bool {
	for _, m := range msgs {
		if m.HasImage() {
			return true
		}
	}
	return false
}
