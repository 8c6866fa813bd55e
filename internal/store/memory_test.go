package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klint-ai/klint-gpt/internal/model"
)

func newTestMemory() (*Memory, *time.Time) {
	m := NewMemory()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryConversations_CreateGetSave(t *testing.T) {
	m, now := newTestMemory()
	convs := m.Conversations()
	ctx := context.Background()

	conv, err := convs.Create(ctx, "alice", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.ConversationChat, conv.Type)
	assert.True(t, conv.HasDefaultTitle())
	assert.Equal(t, "New chat 2025-03-01 09:00:00", conv.Title)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, model.RoleAssistant, conv.Messages[0].Role)

	got, err := convs.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv, got)

	// Mutating the returned copy does not touch the store until Save.
	got.Append(model.NewMessage(model.RoleUser, "hi"))
	again, err := convs.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Len(t, again.Messages, 1)

	*now = now.Add(time.Hour)
	require.NoError(t, convs.Save(ctx, got))
	assert.Equal(t, *now, got.UpdatedAt)
	again, err = convs.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Len(t, again.Messages, 2)
	assert.Equal(t, *now, again.UpdatedAt)
}

func TestMemoryConversations_OwnerIsolation(t *testing.T) {
	m, _ := newTestMemory()
	convs := m.Conversations()
	ctx := context.Background()

	conv, err := convs.Create(ctx, "alice", CreateOptions{})
	require.NoError(t, err)

	_, err = convs.Get(ctx, "bob", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := convs.List(ctx, "bob", model.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryConversations_ListFilterAndOrder(t *testing.T) {
	m, now := newTestMemory()
	convs := m.Conversations()
	ctx := context.Background()

	a, err := convs.Create(ctx, "alice", CreateOptions{Title: "first"})
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	b, err := convs.Create(ctx, "alice", CreateOptions{Type: model.ConversationProject, ProjectID: "p1", Title: "second"})
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	require.NoError(t, convs.Save(ctx, a))

	list, err := convs.List(ctx, "alice", model.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	list, err = convs.List(ctx, "alice", model.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].Title)

	require.NoError(t, convs.Delete(ctx, "alice", b.ID))
	_, err = convs.Get(ctx, "alice", b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewConversation_Seeding(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	seed := model.NewMessage(model.RoleUser, "How do I rotate Azure keys without downtime?")
	conv, err := NewConversation("alice", CreateOptions{Seed: &seed}, now)
	require.NoError(t, err)
	assert.Equal(t, "How do I rotate Azure keys wit", conv.Title)
	assert.Equal(t, []model.Message{seed}, conv.Messages)

	conv, err = NewConversation("alice", CreateOptions{Title: "Budget"}, now)
	require.NoError(t, err)
	assert.Equal(t, "Budget", conv.Title)
	assert.Empty(t, conv.Messages)

	_, err = NewConversation("", CreateOptions{}, now)
	assert.Error(t, err)
}

func TestMemoryProjects(t *testing.T) {
	m, now := newTestMemory()
	projects := m.Projects()
	ctx := context.Background()

	p, err := projects.Create(ctx, "alice", "Roadmap", "Be concise.")
	require.NoError(t, err)
	assert.Empty(t, p.Files)

	*now = now.Add(time.Minute)
	p.Files = append(p.Files, model.Document{Name: "plan.txt", Content: "Q3 goals"})
	require.NoError(t, projects.Save(ctx, p))

	got, err := projects.Get(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Files, 1)
	assert.Equal(t, "Be concise.", got.Instructions)

	list, err := projects.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []model.ProjectSummary{p.Summarize()}, list)

	_, err = projects.Create(ctx, "alice", "", "")
	assert.Error(t, err)

	require.NoError(t, projects.Delete(ctx, "alice", p.ID))
	_, err = projects.Get(ctx, "alice", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Events(t *testing.T) {
	m, _ := newTestMemory()
	ev := &model.ConversationEvent{ConversationID: "c1", Type: model.EventTypeCapacity}
	require.NoError(t, m.PublishEvent(context.Background(), ev))
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Len(t, m.Events(), 1)
}
