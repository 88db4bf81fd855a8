package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const keyPrefix = "PROVIDER_API_KEY_"

// Store persists provider secrets in a KEY=value file, out-of-band from the
// provider records. The path is resolved to an absolute path at construction
// and never re-resolved, so later working-directory changes cannot silently
// point the store at a different file.
type Store struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "resolving credentials path")
	}
	return &Store{path: abs, logger: logger.With().Str("component", "credentials").Logger()}, nil
}

// KeyFor maps a provider name to its credential key: every rune outside
// [A-Za-z0-9] becomes an underscore and the result is uppercased.
func KeyFor(providerName string) string {
	var b strings.Builder
	for _, r := range providerName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return keyPrefix + strings.ToUpper(b.String())
}

// Get returns the secret for a provider. A missing file is treated as an
// empty store, not an error.
func (s *Store) Get(providerName string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return "", false, err
	}
	secret, ok := env[KeyFor(providerName)]
	if !ok {
		return "", false, nil
	}
	return stripQuotes(secret), true, nil
}

func (s *Store) Set(providerName, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return err
	}
	env[KeyFor(providerName)] = secret
	if err := godotenv.Write(env, s.path); err != nil {
		return pkgerrors.Wrap(err, "writing credentials file")
	}
	s.logger.Debug().Str("provider", providerName).Msg("credential stored")
	return nil
}

func (s *Store) Delete(providerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return err
	}
	key := KeyFor(providerName)
	if _, ok := env[key]; !ok {
		return nil
	}
	delete(env, key)
	if err := godotenv.Write(env, s.path); err != nil {
		return pkgerrors.Wrap(err, "writing credentials file")
	}
	s.logger.Debug().Str("provider", providerName).Msg("credential removed")
	return nil
}

func (s *Store) read() (map[string]string, error) {
	env, err := godotenv.Read(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, pkgerrors.Wrap(err, "reading credentials file")
	}
	return env, nil
}

// stripQuotes removes one outermost matched pair of single or double quotes.
// External editors sometimes rewrite values as KEY="value" or KEY='value'.
func stripQuotes(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == last && (first == '"' || first == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
