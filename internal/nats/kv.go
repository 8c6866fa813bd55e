package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/store"
)

const (
	// ConversationsBucket holds one entry per conversation.
	ConversationsBucket = "CONVERSATIONS"
	// ProjectsBucket holds one entry per project.
	ProjectsBucket = "PROJECTS"

	conversationPrefix = "conv"
	projectPrefix      = "proj"
)

// ConversationKey returns the KV key of a conversation.
func ConversationKey(owner, id string) string {
	return fmt.Sprintf("%s.%s.%s", conversationPrefix, store.OwnerToken(owner), id)
}

// ProjectKey returns the KV key of a project.
func ProjectKey(owner, id string) string {
	return fmt.Sprintf("%s.%s.%s", projectPrefix, store.OwnerToken(owner), id)
}

func ownerFilter(prefix, owner string) string {
	return fmt.Sprintf("%s.%s.*", prefix, store.OwnerToken(owner))
}

// EnsureBucket opens a KeyValue bucket, creating it when missing.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := c.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}
	kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "klint-gpt " + strings.ToLower(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// ConversationStore stores conversations in a JetStream KeyValue bucket.
// Save is last-write-wins.
type ConversationStore struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

var _ store.ConversationStore = (*ConversationStore)(nil)

// NewConversationStore wraps a KeyValue bucket.
func NewConversationStore(kv jetstream.KeyValue) *ConversationStore {
	return &ConversationStore{kv: kv, now: time.Now}
}

// Get loads a conversation.
func (s *ConversationStore) Get(ctx context.Context, owner, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := getJSON(ctx, s.kv, ConversationKey(owner, id), &conv); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Create builds and stores a new conversation.
func (s *ConversationStore) Create(ctx context.Context, owner string, opts store.CreateOptions) (*model.Conversation, error) {
	conv, err := store.NewConversation(owner, opts, s.now())
	if err != nil {
		return nil, err
	}
	if err := putJSON(ctx, s.kv, ConversationKey(owner, conv.ID), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Save stores a conversation and stamps its update time.
func (s *ConversationStore) Save(ctx context.Context, conv *model.Conversation) error {
	conv.UpdatedAt = s.now()
	return putJSON(ctx, s.kv, ConversationKey(conv.Owner, conv.ID), conv)
}

// List returns the owner's conversations, most recently updated first.
func (s *ConversationStore) List(ctx context.Context, owner string, filter model.ListFilter) ([]model.ConversationSummary, error) {
	out := []model.ConversationSummary{}
	err := scan(ctx, s.kv, ownerFilter(conversationPrefix, owner), func(data []byte) error {
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return err
		}
		if filter.Match(&conv) {
			out = append(out, conv.Summarize())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	store.SortConversations(out)
	return out, nil
}

// Delete removes a conversation. Deleting a missing key is not an error.
func (s *ConversationStore) Delete(ctx context.Context, owner, id string) error {
	if err := s.kv.Delete(ctx, ConversationKey(owner, id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// ProjectStore stores projects in a JetStream KeyValue bucket.
type ProjectStore struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

var _ store.ProjectStore = (*ProjectStore)(nil)

// NewProjectStore wraps a KeyValue bucket.
func NewProjectStore(kv jetstream.KeyValue) *ProjectStore {
	return &ProjectStore{kv: kv, now: time.Now}
}

func (s *ProjectStore) Get(ctx context.Context, owner, id string) (*model.Project, error) {
	var p model.Project
	if err := getJSON(ctx, s.kv, ProjectKey(owner, id), &p); err != nil {
		return nil, fmt.Errorf("project %s: %w", id, err)
	}
	return &p, nil
}

func (s *ProjectStore) Create(ctx context.Context, owner, name, instructions string) (*model.Project, error) {
	p, err := store.NewProject(owner, name, instructions, s.now())
	if err != nil {
		return nil, err
	}
	if err := putJSON(ctx, s.kv, ProjectKey(owner, p.ID), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ProjectStore) Save(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = s.now()
	return putJSON(ctx, s.kv, ProjectKey(p.Owner, p.ID), p)
}

func (s *ProjectStore) List(ctx context.Context, owner string) ([]model.ProjectSummary, error) {
	out := []model.ProjectSummary{}
	err := scan(ctx, s.kv, ownerFilter(projectPrefix, owner), func(data []byte) error {
		var p model.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, p.Summarize())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	store.SortProjects(out)
	return out, nil
}

func (s *ProjectStore) Delete(ctx context.Context, owner, id string) error {
	if err := s.kv.Delete(ctx, ProjectKey(owner, id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	return nil
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// scan replays the current value of every key matching filter. The watcher
// signals the end of the initial values with a nil entry.
func scan(ctx context.Context, kv jetstream.KeyValue, filter string, fn func([]byte) error) error {
	w, err := kv.Watch(ctx, filter, jetstream.IgnoreDeletes())
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return nil
			}
			if err := fn(entry.Value()); err != nil {
				return fmt.Errorf("decode %s: %w", entry.Key(), err)
			}
		}
	}
}
