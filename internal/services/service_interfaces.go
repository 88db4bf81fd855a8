package services

import (
	"context"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

// SecretStore is the credential file behind the registry and the dispatch
// engine. Secrets never ride on provider records.
type SecretStore interface {
	Get(providerName string) (string, bool, error)
	Set(providerName, secret string) error
	Delete(providerName string) error
}

// ProviderPurger drops per-provider state when a provider is deleted; the
// rate limiter and the usage/health store both implement it.
type ProviderPurger interface {
	Remove(providerID string)
}

// Dispatcher is the orchestrator's seam to the dispatch engine.
type Dispatcher interface {
	Send(ctx context.Context, providerID string, req *models.ChatRequest) (*models.ChatResponse, *apperrors.Error)
}

// ProviderResolver resolves provider records for the orchestrator's
// selection chain.
type ProviderResolver interface {
	GetProvider(providerID string) (*models.AIProvider, *apperrors.Error)
	DefaultProvider() (*models.AIProvider, *apperrors.Error)
}
