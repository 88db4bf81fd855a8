package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/lithammer/shortuuid/v4"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

// AddMessage appends one message to a session's log. The append, the
// message_count increment, and the updated_at bump commit together under the
// session lock.
func (s *Store) AddMessage(sessionID, projectID string, msg *models.Message) (*models.Message, *apperrors.Error) {
	if msg == nil {
		return nil, apperrors.InvalidArgument("message is required")
	}
	if !msg.Role.Valid() {
		return nil, apperrors.InvalidRole(string(msg.Role))
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, derr := s.readSession(sessionID, projectID)
	if derr != nil {
		return nil, derr
	}
	if sess == nil {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	return s.appendMessages(sess, msg)
}

// AppendExchange commits a completed user/assistant exchange and the matching
// context counter update as one unit: either all of it becomes visible or
// none of it does. applyCtx mutates the loaded context in place.
func (s *Store) AppendExchange(sessionID, projectID string, userMsg, assistantMsg *models.Message, applyCtx func(*models.ConversationContext)) (*models.ChatSession, *apperrors.Error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, derr := s.readSession(sessionID, projectID)
	if derr != nil {
		return nil, derr
	}
	if sess == nil {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	if _, derr := s.appendMessages(sess, userMsg, assistantMsg); derr != nil {
		return nil, derr
	}

	if applyCtx != nil {
		cc, derr := s.readContext(sessionID)
		if derr != nil {
			return nil, derr
		}
		applyCtx(cc)
		if err := writeJSON(s.contextFile(sessionID), cc); err != nil {
			return nil, apperrors.Internal(err)
		}
	}
	return sess, nil
}

// appendMessages must be called with the session lock held. It writes the
// grown log first and the metadata second, so a torn write can only leave the
// count behind the log, never ahead of it.
func (s *Store) appendMessages(sess *models.ChatSession, msgs ...*models.Message) (*models.Message, *apperrors.Error) {
	existing, derr := s.readMessages(sess.ID, sess.ProjectID)
	if derr != nil {
		return nil, derr
	}

	now := time.Now()
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = shortuuid.New()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		existing = append(existing, msg)
	}

	dir := s.sessionDir(sess.ProjectID, sess.ID)
	if err := writeJSON(filepath.Join(dir, messagesFileName), existing); err != nil {
		return nil, apperrors.Internal(err)
	}
	sess.MessageCount = len(existing)
	sess.UpdatedAt = now
	if err := writeJSON(filepath.Join(dir, metadataFileName), sess); err != nil {
		return nil, apperrors.Internal(err)
	}
	return msgs[len(msgs)-1], nil
}

// GetMessages returns a contiguous slice of the session's log in append
// order. limit <= 0 means all; offset past the end yields an empty slice.
func (s *Store) GetMessages(sessionID, projectID string, limit, offset int) ([]*models.Message, *apperrors.Error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, derr := s.readSession(sessionID, projectID)
	if derr != nil {
		return nil, derr
	}
	if sess == nil {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	msgs, derr := s.readMessages(sessionID, sess.ProjectID)
	if derr != nil {
		return nil, derr
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []*models.Message{}, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// readMessages must be called with the session lock held. A missing log file
// reads as empty so legacy sessions without one still work.
func (s *Store) readMessages(sessionID, projectID string) ([]*models.Message, *apperrors.Error) {
	msgs := []*models.Message{}
	path := filepath.Join(s.sessionDir(projectID, sessionID), messagesFileName)
	err := readJSON(path, &msgs)
	if err == nil {
		return msgs, nil
	}
	if !os.IsNotExist(err) {
		return nil, apperrors.Internal(err)
	}
	err = readJSON(filepath.Join(s.legacySessionDir(sessionID), messagesFileName), &msgs)
	if err != nil && !os.IsNotExist(err) {
		return nil, apperrors.Internal(err)
	}
	return msgs, nil
}
