// Package model defines data structures for the conversation platform.
package model

import (
	"strings"
	"time"
)

// ConversationType tags how a conversation is grounded.
type ConversationType string

const (
	ConversationChat    ConversationType = "chat"
	ConversationDoc     ConversationType = "doc"
	ConversationProject ConversationType = "project"
)

// DefaultTitlePrefix marks a title that has not been derived from a question yet.
const DefaultTitlePrefix = "New chat"

// Conversation represents a conversation thread owned by a single user.
type Conversation struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	Type      ConversationType `json:"type"`
	Title     string           `json:"title"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Messages  []Message        `json:"messages"`

	// Summary condenses exactly Messages[0:SummaryIndex].
	Summary      string `json:"summary,omitempty"`
	SummaryIndex int    `json:"summary_index,omitempty"`

	Documents    []Document `json:"documents,omitempty"`
	ProjectID    string     `json:"project_id,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
}

// Greeting seeds conversations created without a first message.
const Greeting = "Hello, how can I help you?"

const titleLength = 30

// TitleFromQuestion derives a conversation title from its first question.
func TitleFromQuestion(q string) string {
	r := []rune(strings.TrimSpace(q))
	if len(r) > titleLength {
		r = r[:titleLength]
	}
	if t := strings.TrimSpace(string(r)); t != "" {
		return t
	}
	return "Chat"
}

// HasDefaultTitle reports whether the title is still the creation placeholder.
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == "" || strings.HasPrefix(strings.ToLower(c.Title), strings.ToLower(DefaultTitlePrefix))
}

// Append adds messages in chronological order.
func (c *Conversation) Append(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
}

// ConversationSummary is the listing projection of a conversation.
type ConversationSummary struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Type      ConversationType `json:"type"`
	ProjectID string           `json:"project_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Summarize returns the listing projection.
func (c *Conversation) Summarize() ConversationSummary {
	return ConversationSummary{
		ID:        c.ID,
		Title:     c.Title,
		Type:      c.Type,
		ProjectID: c.ProjectID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// ListFilter narrows a conversation listing.
type ListFilter struct {
	Type      ConversationType
	ProjectID string
}

// Match reports whether a conversation satisfies the filter.
func (f ListFilter) Match(c *Conversation) bool {
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.ProjectID != "" && c.ProjectID != f.ProjectID {
		return false
	}
	return true
}

// Recency bucket labels used when grouping conversations for the sidebar.
const (
	GroupToday    = "today"
	GroupLastWeek = "previous_7_days"
	GroupLastMon  = "previous_30_days"
	GroupOlder    = "older"
)

// GroupByRecency buckets conversations by the age of their last update.
func GroupByRecency(convs []ConversationSummary, now time.Time) map[string][]ConversationSummary {
	groups := map[string][]ConversationSummary{
		GroupToday:    {},
		GroupLastWeek: {},
		GroupLastMon:  {},
		GroupOlder:    {},
	}
	for _, c := range convs {
		days := int(now.Sub(c.UpdatedAt).Hours() / 24)
		switch {
		case days <= 0:
			groups[GroupToday] = append(groups[GroupToday], c)
		case days < 7:
			groups[GroupLastWeek] = append(groups[GroupLastWeek], c)
		case days < 30:
			groups[GroupLastMon] = append(groups[GroupLastMon], c)
		default:
			groups[GroupOlder] = append(groups[GroupOlder], c)
		}
	}
	return groups
}
