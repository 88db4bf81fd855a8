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

// CreateSession writes a fresh session record nested under its project.
func (s *Store) CreateSession(projectID string, sess *models.ChatSession) (*models.ChatSession, *apperrors.Error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, apperrors.MissingProjectID()
	}
	project, derr := s.GetProject(projectID)
	if derr != nil {
		return nil, derr
	}
	if project == nil {
		return nil, apperrors.ProjectNotFound(projectID)
	}

	if sess == nil {
		sess = &models.ChatSession{}
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	sess.ProjectID = projectID
	sess.Active = true
	sess.MessageCount = 0
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	lock := s.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(projectID, sess.ID)
	if err := writeJSON(filepath.Join(dir, messagesFileName), []*models.Message{}); err != nil {
		return nil, apperrors.Internal(err)
	}
	if err := writeJSON(filepath.Join(dir, metadataFileName), sess); err != nil {
		return nil, apperrors.Internal(err)
	}
	s.logger.Info().
		Str("project_id", projectID).
		Str("session_id", sess.ID).
		Str("title", sess.Title).
		Msg("session created")
	return sess, nil
}

// GetSession returns nil without error when no such session exists under the
// given project. Cross-project reads are not supported: a session created
// under project X is invisible when queried with project Y.
func (s *Store) GetSession(sessionID, projectID string) (*models.ChatSession, *apperrors.Error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, apperrors.MissingProjectID()
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.InvalidArgument("session id is required")
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.readSession(sessionID, projectID)
}

// readSession must be called with the session lock held.
func (s *Store) readSession(sessionID, projectID string) (*models.ChatSession, *apperrors.Error) {
	var sess models.ChatSession
	err := readJSON(filepath.Join(s.sessionDir(projectID, sessionID), metadataFileName), &sess)
	if err == nil {
		return &sess, nil
	}
	if !os.IsNotExist(err) {
		return nil, apperrors.Internal(err)
	}

	// Legacy flat layout: accept only records that predate project nesting
	// or that already belong to the requested project.
	err = readJSON(filepath.Join(s.legacySessionDir(sessionID), metadataFileName), &sess)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Internal(err)
	}
	if sess.ProjectID != "" && sess.ProjectID != projectID {
		return nil, nil
	}
	if sess.ProjectID == "" {
		// The first project-scoped read claims an unowned legacy record.
		// Persisting the claim keeps ownership stable: later reads under any
		// other project see a foreign session, not an adoptable one.
		sess.ProjectID = projectID
		if err := writeJSON(filepath.Join(s.legacySessionDir(sessionID), metadataFileName), &sess); err != nil {
			return nil, apperrors.Internal(err)
		}
	}
	return &sess, nil
}

// ListSessions returns the project's sessions ordered by updated_at
// descending. Inactive sessions are included only on request.
func (s *Store) ListSessions(projectID string, includeInactive bool) ([]*models.ChatSession, *apperrors.Error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, apperrors.MissingProjectID()
	}
	entries, err := os.ReadDir(s.sessionsDir(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.ChatSession{}, nil
		}
		return nil, apperrors.Internal(err)
	}

	sessions := make([]*models.ChatSession, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, derr := s.GetSession(e.Name(), projectID)
		if derr != nil || sess == nil {
			continue
		}
		if !sess.Active && !includeInactive {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// UpdateSession rewrites mutable session fields. Ownership is immutable: the
// stored project id always wins, as does the maintained message count.
func (s *Store) UpdateSession(sess *models.ChatSession) (*models.ChatSession, *apperrors.Error) {
	if sess == nil {
		return nil, apperrors.InvalidArgument("session is required")
	}
	lock := s.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	existing, derr := s.readSession(sess.ID, sess.ProjectID)
	if derr != nil {
		return nil, derr
	}
	if existing == nil {
		return nil, apperrors.SessionNotFound(sess.ID)
	}
	sess.ProjectID = existing.ProjectID
	sess.CreatedAt = existing.CreatedAt
	sess.MessageCount = existing.MessageCount
	sess.UpdatedAt = time.Now()
	if err := writeJSON(filepath.Join(s.sessionDir(sess.ProjectID, sess.ID), metadataFileName), sess); err != nil {
		return nil, apperrors.Internal(err)
	}
	return sess, nil
}

// DeleteSession removes the whole session subtree: metadata, messages, and
// the conversation context. Sessions holding messages require force.
func (s *Store) DeleteSession(sessionID, projectID string, force bool) *apperrors.Error {
	lock := s.sessionLock(sessionID)
	lock.Lock()

	sess, derr := s.readSession(sessionID, projectID)
	if derr != nil {
		lock.Unlock()
		return derr
	}
	if sess == nil {
		lock.Unlock()
		return apperrors.SessionNotFound(sessionID)
	}
	if sess.MessageCount > 0 && !force {
		lock.Unlock()
		return apperrors.InvalidArgument("session has messages; pass force to delete")
	}

	if err := os.RemoveAll(s.sessionDir(projectID, sessionID)); err != nil {
		lock.Unlock()
		return apperrors.Internal(err)
	}
	if err := os.RemoveAll(s.legacySessionDir(sessionID)); err != nil {
		lock.Unlock()
		return apperrors.Internal(err)
	}
	if err := os.Remove(s.contextFile(sessionID)); err != nil && !os.IsNotExist(err) {
		lock.Unlock()
		return apperrors.Internal(err)
	}
	lock.Unlock()
	s.dropSessionLock(sessionID)
	s.logger.Info().
		Str("project_id", projectID).
		Str("session_id", sessionID).
		Int("messages", sess.MessageCount).
		Msg("session deleted")
	return nil
}
