package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

type conversationRow struct {
	ID        string    `gorm:"primaryKey"`
	Owner     string    `gorm:"index:idx_conversations_owner_updated,priority:1;not null"`
	Type      string    `gorm:"index"`
	ProjectID string    `gorm:"index"`
	UpdatedAt time.Time `gorm:"index:idx_conversations_owner_updated,priority:2;autoUpdateTime:false"`
	Data      []byte    `gorm:"type:blob"`
}

func (conversationRow) TableName() string { return "conversations" }

type projectRow struct {
	ID        string    `gorm:"primaryKey"`
	Owner     string    `gorm:"index;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
	Data      []byte    `gorm:"type:blob"`
}

func (projectRow) TableName() string { return "projects" }

type eventRow struct {
	Sequence       uint64 `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"index"`
	Owner          string
	Type           string
	Data           []byte `gorm:"type:blob"`
}

func (eventRow) TableName() string { return "events" }

// SQL keeps conversations, projects and events in a SQLite database. Each
// record is a JSON document next to the columns used for filtering.
type SQL struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQL opens (or creates) the database at path and migrates its tables.
func OpenSQL(path string, log *logger.Logger) (*SQL, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
			}
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("failed to open db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&conversationRow{}, &projectRow{}, &eventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	return &SQL{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *SQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Conversations returns the database as a ConversationStore.
func (s *SQL) Conversations() ConversationStore { return sqlConversations{s} }

// Projects returns the database as a ProjectStore.
func (s *SQL) Projects() ProjectStore { return sqlProjects{s} }

// PublishEvent appends an event to the events table.
func (s *SQL) PublishEvent(ctx context.Context, ev *model.ConversationEvent) error {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	row := eventRow{ConversationID: ev.ConversationID, Owner: ev.Owner, Type: string(ev.Type), Data: data}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	ev.Sequence = row.Sequence
	return nil
}

func (s *SQL) saveConversation(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %s: %w", conv.ID, err)
	}
	row := conversationRow{
		ID:        conv.ID,
		Owner:     conv.Owner,
		Type:      string(conv.Type),
		ProjectID: conv.ProjectID,
		UpdatedAt: conv.UpdatedAt,
		Data:      data,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *SQL) saveProject(ctx context.Context, p *model.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project %s: %w", p.ID, err)
	}
	row := projectRow{ID: p.ID, Owner: p.Owner, UpdatedAt: p.UpdatedAt, Data: data}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save project %s: %w", p.ID, err)
	}
	return nil
}

type sqlConversations struct{ s *SQL }

func (c sqlConversations) Get(ctx context.Context, owner, id string) (*model.Conversation, error) {
	var row conversationRow
	err := c.s.db.WithContext(ctx).Where("id = ? AND owner = ?", id, owner).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	var conv model.Conversation
	if err := json.Unmarshal(row.Data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (c sqlConversations) Create(ctx context.Context, owner string, opts CreateOptions) (*model.Conversation, error) {
	conv, err := NewConversation(owner, opts, c.s.now())
	if err != nil {
		return nil, err
	}
	if err := c.s.saveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (c sqlConversations) Save(ctx context.Context, conv *model.Conversation) error {
	conv.UpdatedAt = c.s.now()
	return c.s.saveConversation(ctx, conv)
}

func (c sqlConversations) List(ctx context.Context, owner string, filter model.ListFilter) ([]model.ConversationSummary, error) {
	q := c.s.db.WithContext(ctx).Where("owner = ?", owner)
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.ProjectID != "" {
		q = q.Where("project_id = ?", filter.ProjectID)
	}
	var rows []conversationRow
	if err := q.Order("updated_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]model.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		var conv model.Conversation
		if err := json.Unmarshal(row.Data, &conv); err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", row.ID, err)
		}
		out = append(out, conv.Summarize())
	}
	return out, nil
}

func (c sqlConversations) Delete(ctx context.Context, owner, id string) error {
	err := c.s.db.WithContext(ctx).Where("id = ? AND owner = ?", id, owner).Delete(&conversationRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

type sqlProjects struct{ s *SQL }

func (p sqlProjects) Get(ctx context.Context, owner, id string) (*model.Project, error) {
	var row projectRow
	err := p.s.db.WithContext(ctx).Where("id = ? AND owner = ?", id, owner).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	var proj model.Project
	if err := json.Unmarshal(row.Data, &proj); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	return &proj, nil
}

func (p sqlProjects) Create(ctx context.Context, owner, name, instructions string) (*model.Project, error) {
	proj, err := NewProject(owner, name, instructions, p.s.now())
	if err != nil {
		return nil, err
	}
	if err := p.s.saveProject(ctx, proj); err != nil {
		return nil, err
	}
	return proj, nil
}

func (p sqlProjects) Save(ctx context.Context, proj *model.Project) error {
	proj.UpdatedAt = p.s.now()
	return p.s.saveProject(ctx, proj)
}

func (p sqlProjects) List(ctx context.Context, owner string) ([]model.ProjectSummary, error) {
	var rows []projectRow
	if err := p.s.db.WithContext(ctx).Where("owner = ?", owner).Order("updated_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	out := make([]model.ProjectSummary, 0, len(rows))
	for _, row := range rows {
		var proj model.Project
		if err := json.Unmarshal(row.Data, &proj); err != nil {
			return nil, fmt.Errorf("decode project %s: %w", row.ID, err)
		}
		out = append(out, proj.Summarize())
	}
	return out, nil
}

func (p sqlProjects) Delete(ctx context.Context, owner, id string) error {
	if err := p.s.db.WithContext(ctx).Where("id = ? AND owner = ?", id, owner).Delete(&projectRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	return nil
}
