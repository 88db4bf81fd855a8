package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	projectsDirName      = "projects"
	sessionsDirName      = "chat_sessions"
	conversationsDirName = "conversations"
	projectFileName      = "project.json"
	metadataFileName     = "metadata.json"
	messagesFileName     = "messages.json"
)

// Store persists the project → session → message hierarchy and per-session
// conversation contexts as JSON under a data directory. Each session is an
// independent aggregate: writers on the same session serialize behind a
// per-session mutex, writers on different sessions do not contend.
type Store struct {
	root   string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dataDir string, logger zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "resolving data dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "creating data dir")
	}
	return &Store{
		root:   abs,
		logger: logger.With().Str("component", "store").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// sessionLock returns the mutex guarding one session's files. Readers take it
// too, so an append and its count update are observable only together.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) dropSessionLock(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, sessionID)
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.root, projectsDirName, projectID)
}

func (s *Store) projectFile(projectID string) string {
	return filepath.Join(s.projectDir(projectID), projectFileName)
}

func (s *Store) sessionsDir(projectID string) string {
	return filepath.Join(s.projectDir(projectID), sessionsDirName)
}

func (s *Store) sessionDir(projectID, sessionID string) string {
	return filepath.Join(s.sessionsDir(projectID), sessionID)
}

// legacySessionDir is the pre-project flat layout, still readable for
// sessions created before project nesting existed.
func (s *Store) legacySessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionsDirName, sessionID)
}

func (s *Store) contextFile(sessionID string) string {
	return filepath.Join(s.root, conversationsDirName, sessionID+".json")
}

func readJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return pkgerrors.Wrapf(err, "parsing %s", path)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pkgerrors.Wrap(err, "creating directory")
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "encoding json")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return pkgerrors.Wrapf(err, "writing %s", path)
	}
	return nil
}
