package dispatch

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chatdock/internal/catalog"
	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
	"chatdock/internal/ratelimit"
	"chatdock/internal/upstream"
)

const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// ProviderSource resolves provider configurations; the provider registry
// implements it.
type ProviderSource interface {
	GetProvider(providerID string) (*models.AIProvider, *apperrors.Error)
}

// Secrets resolves provider API keys on demand; the credential store
// implements it. Secrets are never cached across requests.
type Secrets interface {
	Get(providerName string) (string, bool, error)
}

// Engine is the single synchronous entry point for upstream dispatch:
// admission, retry, timeout, usage and health accounting. It is strictly
// request-scoped and never touches conversation state.
type Engine struct {
	providers ProviderSource
	secrets   Secrets
	catalog   *catalog.Catalog
	limiter   *ratelimit.Limiter
	stats     *Stats
	client    *http.Client
	logger    zerolog.Logger

	probeTimeout time.Duration
	probes       singleflight.Group
}

func NewEngine(
	providers ProviderSource,
	secrets Secrets,
	cat *catalog.Catalog,
	limiter *ratelimit.Limiter,
	stats *Stats,
	client *http.Client,
	probeTimeout time.Duration,
	logger zerolog.Logger,
) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Engine{
		providers:    providers,
		secrets:      secrets,
		catalog:      cat,
		limiter:      limiter,
		stats:        stats,
		client:       client,
		probeTimeout: probeTimeout,
		logger:       logger.With().Str("component", "dispatch").Logger(),
	}
}

// Stats exposes the usage/health store for read access.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Send dispatches one uniform request to a provider. Transient failures are
// retried up to the provider's budget with full-jitter backoff; the last
// error kind is surfaced on exhaustion with the provider id attached.
func (e *Engine) Send(ctx context.Context, providerID string, req *models.ChatRequest) (*models.ChatResponse, *apperrors.Error) {
	// Validation short-circuits before the provider record or the credential
	// file is touched.
	if derr := validateRequest(req); derr != nil {
		return nil, derr.WithProvider(providerID)
	}

	provider, derr := e.providers.GetProvider(providerID)
	if derr != nil {
		return nil, derr
	}
	if !provider.Active {
		return nil, apperrors.ProviderNotFound(providerID)
	}

	apiKey, ok, err := e.secrets.Get(provider.Name)
	if err != nil {
		return nil, apperrors.Internal(err).WithProvider(providerID)
	}
	if !ok || apiKey == "" {
		return nil, apperrors.ProviderUnconfigured(provider.Name).WithProvider(providerID)
	}

	adapter, derr := upstream.ForFamily(provider.Family, e.client, e.logger)
	if derr != nil {
		return nil, derr.WithProvider(providerID)
	}

	e.limiter.Configure(provider.ID, provider.RateLimitRequests, provider.RateLimitTokens)
	admission, derr := e.limiter.Admit(provider.ID, e.estimateTokens(req))
	if derr != nil {
		// A local denial says nothing about the provider's liveness: health
		// and usage stay untouched.
		return nil, derr.WithProvider(providerID)
	}

	attempts := provider.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := provider.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger := e.logger.With().
		Str("provider_id", provider.ID).
		Str("model", req.Model).
		Logger()

	var lastErr *apperrors.Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if derr := e.backoff(ctx, attempt, lastErr); derr != nil {
				lastErr = derr
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, derr := adapter.Complete(attemptCtx, provider, apiKey, req)
		elapsed := time.Since(start)
		deadlineHit := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if derr == nil {
			cost := e.catalog.Cost(resp.Model, resp.Usage)
			e.stats.RecordSuccess(provider.ID, resp.Usage, cost, elapsed)
			logger.Debug().
				Int("attempt", attempt+1).
				Dur("latency", elapsed).
				Float64("cost", cost).
				Msg("dispatch succeeded")
			return resp, nil
		}

		if derr.Kind == apperrors.KindTransport && deadlineHit {
			derr = apperrors.Timeout(derr.Internal)
		}
		lastErr = derr
		logger.Debug().
			Int("attempt", attempt+1).
			Str("kind", string(derr.Kind)).
			Msg("dispatch attempt failed")
		if !derr.Retryable() {
			break
		}
	}

	// Caller-driven cancellation refunds nothing; the upstream may still have
	// processed the aborted request.
	if lastErr.Unbilled && ctx.Err() != context.Canceled {
		admission.Refund()
	}
	e.stats.RecordFailure(provider.ID, lastErr.Error())
	logger.Warn().
		Str("kind", string(lastErr.Kind)).
		Str("detail", lastErr.Detail).
		Msg("dispatch failed")
	return nil, lastErr.WithProvider(provider.ID)
}

// CheckProviderHealth runs a minimal upstream probe and updates the health
// snapshot. Concurrent probes for the same provider collapse into one call.
func (e *Engine) CheckProviderHealth(ctx context.Context, providerID string) (models.ProviderHealth, *apperrors.Error) {
	result, err, _ := e.probes.Do(providerID, func() (interface{}, error) {
		provider, derr := e.providers.GetProvider(providerID)
		if derr != nil {
			return nil, derr
		}
		apiKey, ok, err := e.secrets.Get(provider.Name)
		if err != nil {
			return nil, apperrors.Internal(err).WithProvider(providerID)
		}
		if !ok || apiKey == "" {
			return nil, apperrors.ProviderUnconfigured(provider.Name).WithProvider(providerID)
		}
		adapter, derr := upstream.ForFamily(provider.Family, e.client, e.logger)
		if derr != nil {
			return nil, derr.WithProvider(providerID)
		}

		probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
		defer cancel()
		latency, derr := adapter.Probe(probeCtx, provider, apiKey)
		if derr != nil {
			e.stats.RecordProbe(providerID, latency, derr.Error())
		} else {
			e.stats.RecordProbe(providerID, latency, "")
		}
		return e.stats.Health(providerID), nil
	})
	if err != nil {
		if derr, ok := err.(*apperrors.Error); ok {
			return models.ProviderHealth{}, derr
		}
		return models.ProviderHealth{}, apperrors.Internal(err)
	}
	return result.(models.ProviderHealth), nil
}

// backoff sleeps between attempts: an upstream retry hint wins, otherwise a
// uniform draw from [0, min(2^attempt*250ms, 8s)). Context cancellation
// aborts the sleep.
func (e *Engine) backoff(ctx context.Context, attempt int, lastErr *apperrors.Error) *apperrors.Error {
	var sleep time.Duration
	if lastErr != nil && lastErr.Kind == apperrors.KindRateLimitExceeded && lastErr.RetryAfter > 0 {
		sleep = lastErr.RetryAfter
	} else {
		base := backoffBase << uint(attempt)
		if base > backoffCap || base <= 0 {
			base = backoffCap
		}
		sleep = time.Duration(rand.Int63n(int64(base) + 1))
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return apperrors.Timeout(ctx.Err())
		}
		return apperrors.Transport(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// estimateTokens approximates the request's token cost for admission: prompt
// characters at ~4 per token plus the completion budget.
func (e *Engine) estimateTokens(req *models.ChatRequest) int {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content)
	}
	est := prompt / 4
	if req.MaxTokens > 0 {
		est += req.MaxTokens
	} else {
		est += e.catalog.MaxOutput(req.Model)
	}
	return est
}

func validateRequest(req *models.ChatRequest) *apperrors.Error {
	if req == nil || len(req.Messages) == 0 {
		return apperrors.InvalidArgument("request has no messages")
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return apperrors.InvalidRole(string(m.Role))
		}
		if i > 0 && m.Role == models.RoleSystem {
			// Only the leading message may carry the system role.
			return apperrors.InvalidArgument("system message must come first")
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return apperrors.InvalidArgument("temperature must be within [0, 2]")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return apperrors.InvalidArgument("top_p must be within [0, 1]")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return apperrors.InvalidArgument("frequency_penalty must be within [-2, 2]")
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return apperrors.InvalidArgument("presence_penalty must be within [-2, 2]")
	}
	return nil
}
