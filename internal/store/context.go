package store

import (
	"os"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

// GetContext loads the session's conversation context, or a zero-valued one
// when none has been written yet.
func (s *Store) GetContext(sessionID string) (*models.ConversationContext, *apperrors.Error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.readContext(sessionID)
}

// SaveContext rewrites the session's context record.
func (s *Store) SaveContext(cc *models.ConversationContext) *apperrors.Error {
	if cc == nil || cc.SessionID == "" {
		return apperrors.InvalidArgument("context session id is required")
	}
	lock := s.sessionLock(cc.SessionID)
	lock.Lock()
	defer lock.Unlock()
	if err := writeJSON(s.contextFile(cc.SessionID), cc); err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

// readContext must be called with the session lock held.
func (s *Store) readContext(sessionID string) (*models.ConversationContext, *apperrors.Error) {
	cc := &models.ConversationContext{SessionID: sessionID}
	if err := readJSON(s.contextFile(sessionID), cc); err != nil {
		if os.IsNotExist(err) {
			return cc, nil
		}
		return nil, apperrors.Internal(err)
	}
	cc.SessionID = sessionID
	return cc, nil
}
