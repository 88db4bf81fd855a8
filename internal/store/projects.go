package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

// CreateProject writes a new project record. Parent links are validated so
// projects always form a forest.
func (s *Store) CreateProject(p *models.Project) (*models.Project, *apperrors.Error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, apperrors.InvalidArgument("project name is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.ParentID != "" {
		parent, derr := s.GetProject(p.ParentID)
		if derr != nil {
			return nil, derr
		}
		if parent == nil {
			return nil, apperrors.ProjectNotFound(p.ParentID)
		}
		if p.ParentID == p.ID {
			return nil, apperrors.InvalidArgument("project cannot be its own parent")
		}
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := writeJSON(s.projectFile(p.ID), p); err != nil {
		return nil, apperrors.Internal(err)
	}
	s.logger.Info().Str("project_id", p.ID).Str("name", p.Name).Msg("project created")
	return p, nil
}

// GetProject returns nil without error when the project does not exist.
func (s *Store) GetProject(projectID string) (*models.Project, *apperrors.Error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, apperrors.MissingProjectID()
	}
	var p models.Project
	if err := readJSON(s.projectFile(projectID), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Internal(err)
	}
	return &p, nil
}

func (s *Store) ListProjects() ([]*models.Project, *apperrors.Error) {
	entries, err := os.ReadDir(filepath.Join(s.root, projectsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Project{}, nil
		}
		return nil, apperrors.Internal(err)
	}
	projects := make([]*models.Project, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, derr := s.GetProject(e.Name())
		if derr != nil || p == nil {
			continue
		}
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

// UpdateProject rewrites mutable fields. Re-parenting is validated against
// cycles by walking up the proposed ancestry.
func (s *Store) UpdateProject(p *models.Project) (*models.Project, *apperrors.Error) {
	existing, derr := s.GetProject(p.ID)
	if derr != nil {
		return nil, derr
	}
	if existing == nil {
		return nil, apperrors.ProjectNotFound(p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, apperrors.InvalidArgument("project name is required")
	}
	if p.ParentID != "" {
		if derr := s.checkParentCycle(p.ID, p.ParentID); derr != nil {
			return nil, derr
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	if err := writeJSON(s.projectFile(p.ID), p); err != nil {
		return nil, apperrors.Internal(err)
	}
	return p, nil
}

// DeleteProject removes a project. Without force it refuses when any session
// exists underneath; with force it cascades over every session subtree so no
// session directory survives under the project id.
func (s *Store) DeleteProject(projectID string, force bool) *apperrors.Error {
	p, derr := s.GetProject(projectID)
	if derr != nil {
		return derr
	}
	if p == nil {
		return apperrors.ProjectNotFound(projectID)
	}

	sessions, derr := s.ListSessions(projectID, true)
	if derr != nil {
		return derr
	}
	if len(sessions) > 0 && !force {
		return apperrors.InvalidArgument("project has sessions; pass force to cascade")
	}
	for _, sess := range sessions {
		if derr := s.DeleteSession(sess.ID, projectID, true); derr != nil {
			return derr
		}
	}
	if err := os.RemoveAll(s.projectDir(projectID)); err != nil {
		return apperrors.Internal(err)
	}
	s.logger.Info().Str("project_id", projectID).Int("sessions", len(sessions)).Msg("project deleted")
	return nil
}

func (s *Store) checkParentCycle(projectID, parentID string) *apperrors.Error {
	seen := map[string]bool{projectID: true}
	current := parentID
	for current != "" {
		if seen[current] {
			return apperrors.InvalidArgument("project parent link would form a cycle")
		}
		seen[current] = true
		p, derr := s.GetProject(current)
		if derr != nil {
			return derr
		}
		if p == nil {
			return apperrors.ProjectNotFound(current)
		}
		current = p.ParentID
	}
	return nil
}
