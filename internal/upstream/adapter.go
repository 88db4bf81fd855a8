package upstream

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

// Adapter translates the uniform request into one provider family's wire
// format and back. Adapters are stateless over (provider config, request,
// HTTP client); they never retry. Retries are the dispatch engine's job.
type Adapter interface {
	// Complete performs one chat completion attempt.
	Complete(ctx context.Context, provider *models.AIProvider, apiKey string, req *models.ChatRequest) (*models.ChatResponse, *apperrors.Error)

	// Probe performs a minimal upstream call for health checking and returns
	// the observed latency.
	Probe(ctx context.Context, provider *models.AIProvider, apiKey string) (time.Duration, *apperrors.Error)
}

// ForFamily returns the adapter for a provider family. The shared HTTP client
// carries the connection pool; per-attempt deadlines come from the context.
func ForFamily(family models.ProviderFamily, client *http.Client, logger zerolog.Logger) (Adapter, *apperrors.Error) {
	switch family {
	case models.FamilyOpenAI:
		return &OpenAIAdapter{client: client, logger: logger.With().Str("adapter", "openai").Logger()}, nil
	case models.FamilyAnthropic:
		return &AnthropicAdapter{client: client, logger: logger.With().Str("adapter", "anthropic").Logger()}, nil
	default:
		return nil, apperrors.UnsupportedProvider(string(family))
	}
}

// parseRetryAfter reads a Retry-After header as delta-seconds or HTTP-date.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
