package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// ProjectService manages projects.
type ProjectService struct {
	store  store.ProjectStore
	logger *logger.Logger
}

// NewProjectService creates a project service.
func NewProjectService(s store.ProjectStore, log *logger.Logger) *ProjectService {
	return &ProjectService{store: s, logger: log}
}

// Create creates a project.
func (s *ProjectService) Create(ctx context.Context, owner, name, instructions string) (*model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalid)
	}
	p, err := s.store.Create(ctx, owner, name, instructions)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.logger.Info("project created", zap.String("project_id", p.ID))
	return p, nil
}

// List returns the owner's projects, most recent first.
func (s *ProjectService) List(ctx context.Context, owner string) ([]model.ProjectSummary, error) {
	return s.store.List(ctx, owner)
}

// Get returns a project.
func (s *ProjectService) Get(ctx context.Context, owner, id string) (*model.Project, error) {
	return s.store.Get(ctx, owner, id)
}

// UpdateInstructions replaces a project's instructions.
func (s *ProjectService) UpdateInstructions(ctx context.Context, owner, id, instructions string) (*model.Project, error) {
	p, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	p.Instructions = instructions
	if err := s.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}
	return p, nil
}

// Delete removes a project. Its conversations are kept.
func (s *ProjectService) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.store.Get(ctx, owner, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, owner, id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	s.logger.Info("project deleted", zap.String("project_id", id))
	return nil
}
