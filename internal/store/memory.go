package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klint-ai/klint-gpt/internal/model"
)

// Memory keeps conversations, projects and events in process. Values are
// copied on the way in and out so callers never share state with the store.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]map[string][]byte
	projects      map[string]map[string][]byte
	events        []model.ConversationEvent

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]map[string][]byte),
		projects:      make(map[string]map[string][]byte),
		now:           time.Now,
	}
}

// Conversations returns the store as a ConversationStore.
func (m *Memory) Conversations() ConversationStore { return memoryConversations{m} }

// Projects returns the store as a ProjectStore.
func (m *Memory) Projects() ProjectStore { return memoryProjects{m} }

// PublishEvent implements EventPublisher.
func (m *Memory) PublishEvent(_ context.Context, ev *model.ConversationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Sequence = uint64(len(m.events) + 1)
	m.events = append(m.events, *ev)
	return nil
}

// Events returns the events recorded so far.
func (m *Memory) Events() []model.ConversationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ConversationEvent(nil), m.events...)
}

func put(bucket map[string]map[string][]byte, owner, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	if bucket[owner] == nil {
		bucket[owner] = make(map[string][]byte)
	}
	bucket[owner][id] = data
	return nil
}

type memoryConversations struct{ m *Memory }

func (s memoryConversations) Get(_ context.Context, owner, id string) (*model.Conversation, error) {
	s.m.mu.RLock()
	data, ok := s.m.conversations[owner][id]
	s.m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s memoryConversations) Create(_ context.Context, owner string, opts CreateOptions) (*model.Conversation, error) {
	conv, err := NewConversation(owner, opts, s.m.now())
	if err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := put(s.m.conversations, owner, conv.ID, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s memoryConversations) Save(_ context.Context, conv *model.Conversation) error {
	conv.UpdatedAt = s.m.now()
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return put(s.m.conversations, conv.Owner, conv.ID, conv)
}

func (s memoryConversations) List(_ context.Context, owner string, filter model.ListFilter) ([]model.ConversationSummary, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := []model.ConversationSummary{}
	for id, data := range s.m.conversations[owner] {
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", id, err)
		}
		if filter.Match(&conv) {
			out = append(out, conv.Summarize())
		}
	}
	SortConversations(out)
	return out, nil
}

func (s memoryConversations) Delete(_ context.Context, owner, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.conversations[owner], id)
	return nil
}

type memoryProjects struct{ m *Memory }

func (s memoryProjects) Get(_ context.Context, owner, id string) (*model.Project, error) {
	s.m.mu.RLock()
	data, ok := s.m.projects[owner][id]
	s.m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	var p model.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	return &p, nil
}

func (s memoryProjects) Create(_ context.Context, owner, name, instructions string) (*model.Project, error) {
	p, err := NewProject(owner, name, instructions, s.m.now())
	if err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := put(s.m.projects, owner, p.ID, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s memoryProjects) Save(_ context.Context, p *model.Project) error {
	p.UpdatedAt = s.m.now()
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return put(s.m.projects, p.Owner, p.ID, p)
}

func (s memoryProjects) List(_ context.Context, owner string) ([]model.ProjectSummary, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := []model.ProjectSummary{}
	for id, data := range s.m.projects[owner] {
		var p model.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode project %s: %w", id, err)
		}
		out = append(out, p.Summarize())
	}
	SortProjects(out)
	return out, nil
}

func (s memoryProjects) Delete(_ context.Context, owner, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.projects[owner], id)
	return nil
}
