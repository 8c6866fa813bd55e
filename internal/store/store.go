// Package store defines persistence for conversations and projects.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/klint-ai/klint-gpt/internal/model"
)

// ErrNotFound is returned when a conversation or project does not exist
// for the given owner.
var ErrNotFound = errors.New("not found")

// CreateOptions describes a new conversation.
type CreateOptions struct {
	Type         model.ConversationType
	ProjectID    string
	Instructions string
	Title        string
	// Seed, when set, becomes the first message.
	Seed *model.Message
}

// ConversationStore persists conversations. Save is last-write-wins.
type ConversationStore interface {
	Get(ctx context.Context, owner, id string) (*model.Conversation, error)
	Create(ctx context.Context, owner string, opts CreateOptions) (*model.Conversation, error)
	Save(ctx context.Context, conv *model.Conversation) error
	List(ctx context.Context, owner string, filter model.ListFilter) ([]model.ConversationSummary, error)
	Delete(ctx context.Context, owner, id string) error
}

// ProjectStore persists projects.
type ProjectStore interface {
	Get(ctx context.Context, owner, id string) (*model.Project, error)
	Create(ctx context.Context, owner, name, instructions string) (*model.Project, error)
	Save(ctx context.Context, p *model.Project) error
	List(ctx context.Context, owner string) ([]model.ProjectSummary, error)
	Delete(ctx context.Context, owner, id string) error
}

// EventPublisher records conversation events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *model.ConversationEvent) error
}

// NewID returns a time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewConversation builds a conversation. Without a seed or title it gets a
// placeholder title and an assistant greeting.
func NewConversation(owner string, opts CreateOptions, now time.Time) (*model.Conversation, error) {
	if owner == "" {
		return nil, fmt.Errorf("conversation owner is required")
	}
	typ := opts.Type
	if typ == "" {
		typ = model.ConversationChat
	}
	conv := &model.Conversation{
		ID:           NewID(),
		Owner:        owner,
		Type:         typ,
		Title:        opts.Title,
		CreatedAt:    now,
		UpdatedAt:    now,
		Messages:     []model.Message{},
		ProjectID:    opts.ProjectID,
		Instructions: opts.Instructions,
	}
	switch {
	case opts.Seed != nil:
		conv.Messages = append(conv.Messages, *opts.Seed)
		if conv.Title == "" && opts.Seed.Text() != "" {
			conv.Title = model.TitleFromQuestion(opts.Seed.Text())
		}
	case opts.Title == "":
		conv.Messages = append(conv.Messages, model.NewMessage(model.RoleAssistant, model.Greeting))
	}
	if conv.Title == "" {
		conv.Title = model.DefaultTitlePrefix + " " + now.UTC().Format("2006-01-02 15:04:05")
	}
	return conv, nil
}

// NewProject builds a project.
func NewProject(owner, name, instructions string, now time.Time) (*model.Project, error) {
	if owner == "" {
		return nil, fmt.Errorf("project owner is required")
	}
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	return &model.Project{
		ID:           NewID(),
		Owner:        owner,
		Name:         name,
		Instructions: instructions,
		Files:        []model.Document{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// OwnerToken encodes an owner id into a key-safe token.
func OwnerToken(owner string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(owner))
}

// SortConversations orders summaries by most recent update first.
func SortConversations(s []model.ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].UpdatedAt.After(s[j].UpdatedAt) })
}

// SortProjects orders summaries by most recent update first.
func SortProjects(s []model.ProjectSummary) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].UpdatedAt.After(s[j].UpdatedAt) })
}
