package services

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

const providersDirName = "ai_providers"

const (
	defaultRateLimitRequests = 60
	defaultRateLimitTokens   = 90_000
	defaultTimeoutSeconds    = 30
	defaultRetryAttempts     = 3
)

// ProviderRegistry owns the provider configuration records under
// <data>/ai_providers/. API keys pass through to the credential store on
// create and update and are removed with the provider; the JSON records on
// disk never contain them.
type ProviderRegistry struct {
	dir     string
	secrets SecretStore
	purgers []ProviderPurger
	logger  zerolog.Logger

	mu sync.Mutex
}

func NewProviderRegistry(dataDir string, secrets SecretStore, logger zerolog.Logger, purgers ...ProviderPurger) (*ProviderRegistry, error) {
	dir := filepath.Join(dataDir, providersDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "creating providers dir")
	}
	return &ProviderRegistry{
		dir:     dir,
		secrets: secrets,
		purgers: purgers,
		logger:  logger.With().Str("component", "provider_registry").Logger(),
	}, nil
}

// CreateProvider validates and persists a new provider record. A plaintext
// APIKey on the input is forwarded to the credential store and never written
// to the record.
func (r *ProviderRegistry) CreateProvider(p *models.AIProvider) (*models.AIProvider, *apperrors.Error) {
	if derr := normalizeProvider(p); derr != nil {
		return nil, derr
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Active = true

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeRecord(p); err != nil {
		return nil, apperrors.Internal(err)
	}
	if p.APIKey != "" {
		if err := r.secrets.Set(p.Name, p.APIKey); err != nil {
			return nil, apperrors.Internal(err)
		}
	}
	r.logger.Info().
		Str("provider_id", p.ID).
		Str("name", p.Name).
		Str("family", string(p.Family)).
		Msg("provider created")
	return p, nil
}

// GetProvider loads a provider record; missing records are a typed
// provider_not_found.
func (r *ProviderRegistry) GetProvider(providerID string) (*models.AIProvider, *apperrors.Error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, apperrors.ProviderNotFound(providerID)
	}
	var p models.AIProvider
	b, err := os.ReadFile(r.recordFile(providerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ProviderNotFound(providerID)
		}
		return nil, apperrors.Internal(err)
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, apperrors.Internal(pkgerrors.Wrapf(err, "parsing provider %s", providerID))
	}
	return &p, nil
}

// ListProviders returns all records in registration order.
func (r *ProviderRegistry) ListProviders() ([]*models.AIProvider, *apperrors.Error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.AIProvider{}, nil
		}
		return nil, apperrors.Internal(err)
	}
	providers := make([]*models.AIProvider, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, derr := r.GetProvider(strings.TrimSuffix(e.Name(), ".json"))
		if derr != nil {
			continue
		}
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool {
		return providers[i].CreatedAt.Before(providers[j].CreatedAt)
	})
	return providers, nil
}

// DefaultProvider returns the earliest-registered active provider.
func (r *ProviderRegistry) DefaultProvider() (*models.AIProvider, *apperrors.Error) {
	providers, derr := r.ListProviders()
	if derr != nil {
		return nil, derr
	}
	for _, p := range providers {
		if p.Active {
			return p, nil
		}
	}
	return nil, apperrors.New(apperrors.KindProviderNotFound, "no active provider is registered")
}

// UpdateProvider rewrites a provider record. Registration time is immutable.
// A renamed provider's secret follows it to the new name.
func (r *ProviderRegistry) UpdateProvider(p *models.AIProvider) (*models.AIProvider, *apperrors.Error) {
	existing, derr := r.GetProvider(p.ID)
	if derr != nil {
		return nil, derr
	}
	if derr := normalizeProvider(p); derr != nil {
		return nil, derr
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Name != existing.Name {
		secret, ok, err := r.secrets.Get(existing.Name)
		if err != nil {
			return nil, apperrors.Internal(err)
		}
		if ok {
			if p.APIKey == "" {
				p.APIKey = secret
			}
			if err := r.secrets.Delete(existing.Name); err != nil {
				return nil, apperrors.Internal(err)
			}
		}
	}
	if p.APIKey != "" {
		if err := r.secrets.Set(p.Name, p.APIKey); err != nil {
			return nil, apperrors.Internal(err)
		}
	}
	if err := r.writeRecord(p); err != nil {
		return nil, apperrors.Internal(err)
	}
	return p, nil
}

// DeleteProvider removes the record, its secret, and every per-provider row
// held by the purgers (rate limiter buckets, usage and health state).
func (r *ProviderRegistry) DeleteProvider(providerID string) *apperrors.Error {
	p, derr := r.GetProvider(providerID)
	if derr != nil {
		return derr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.recordFile(providerID)); err != nil && !os.IsNotExist(err) {
		return apperrors.Internal(err)
	}
	if err := r.secrets.Delete(p.Name); err != nil {
		return apperrors.Internal(err)
	}
	for _, purger := range r.purgers {
		purger.Remove(providerID)
	}
	r.logger.Info().Str("provider_id", providerID).Str("name", p.Name).Msg("provider deleted")
	return nil
}

func (r *ProviderRegistry) recordFile(providerID string) string {
	return filepath.Join(r.dir, providerID+".json")
}

func (r *ProviderRegistry) writeRecord(p *models.AIProvider) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "encoding provider record")
	}
	if err := os.WriteFile(r.recordFile(p.ID), b, 0o644); err != nil {
		return pkgerrors.Wrapf(err, "writing provider %s", p.ID)
	}
	return nil
}

func normalizeProvider(p *models.AIProvider) *apperrors.Error {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return apperrors.InvalidArgument("provider name is required")
	}
	if !p.Family.Valid() {
		return apperrors.InvalidArgument("provider family must be openai, anthropic, or other")
	}
	if p.RateLimitRequests <= 0 {
		p.RateLimitRequests = defaultRateLimitRequests
	}
	if p.RateLimitTokens <= 0 {
		p.RateLimitTokens = defaultRateLimitTokens
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = defaultTimeoutSeconds
	}
	if p.RetryAttempts <= 0 {
		p.RetryAttempts = defaultRetryAttempts
	}
	return nil
}
