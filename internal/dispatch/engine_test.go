package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatdock/internal/catalog"
	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
	"chatdock/internal/ratelimit"
)

type fakeProviders struct {
	provider *models.AIProvider
}

func (f *fakeProviders) GetProvider(providerID string) (*models.AIProvider, *apperrors.Error) {
	if f.provider != nil && f.provider.ID == providerID {
		return f.provider, nil
	}
	return nil, apperrors.ProviderNotFound(providerID)
}

type fakeSecrets map[string]string

func (f fakeSecrets) Get(providerName string) (string, bool, error) {
	v, ok := f[providerName]
	return v, ok, nil
}

func testProvider(baseURL string) *models.AIProvider {
	return &models.AIProvider{
		ID:                "p1",
		Name:              "openai",
		Family:            models.FamilyOpenAI,
		BaseURL:           baseURL,
		Active:            true,
		RateLimitRequests: 60,
		RateLimitTokens:   90_000,
		TimeoutSeconds:    5,
		RetryAttempts:     3,
	}
}

func newTestEngine(provider *models.AIProvider, secrets fakeSecrets) *Engine {
	return NewEngine(
		&fakeProviders{provider: provider},
		secrets,
		catalog.New(),
		ratelimit.New(zerolog.Nop()),
		NewStats(),
		&http.Client{},
		time.Second,
		zerolog.Nop(),
	)
}

func okBody() string {
	return `{
		"id": "chatcmpl-1",
		"model": "gpt-3.5-turbo",
		"choices": [{"message": {"content": "pong"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}
	}`
}

func userRequest() *models.ChatRequest {
	return &models.ChatRequest{
		Model:     "gpt-3.5-turbo",
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
		MaxTokens: 10,
	}
}

func TestSendSuccessRecordsUsageAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	e := newTestEngine(testProvider(srv.URL), fakeSecrets{"openai": "sk"})
	resp, derr := e.Send(context.Background(), "p1", userRequest())
	require.Nil(t, derr)
	assert.Equal(t, "pong", resp.Content)

	u := e.Stats().Usage("p1")
	assert.Equal(t, int64(1), u.TotalRequests)
	assert.Equal(t, int64(10), u.TotalTokensIn)
	assert.Equal(t, int64(4), u.TotalTokensOut)
	assert.Greater(t, u.TotalCost, 0.0)
	assert.Equal(t, models.HealthHealthy, e.Stats().Health("p1").Status)
}

func TestSendRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	e := newTestEngine(testProvider(srv.URL), fakeSecrets{"openai": "sk"})
	resp, derr := e.Send(context.Background(), "p1", userRequest())
	require.Nil(t, derr)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// Only the terminal outcome is accounted: one success, no failures.
	u := e.Stats().Usage("p1")
	assert.Equal(t, int64(1), u.TotalRequests)
	assert.Zero(t, u.FailedRequests)
}

func TestSendHonorsUpstreamRetryHint(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	e := newTestEngine(testProvider(srv.URL), fakeSecrets{"openai": "sk"})
	start := time.Now()
	resp, derr := e.Send(context.Background(), "p1", userRequest())
	require.Nil(t, derr)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	// The second attempt waited out the upstream's hint.
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad model"}}`))
	}))
	defer srv.Close()

	e := newTestEngine(testProvider(srv.URL), fakeSecrets{"openai": "sk"})
	_, derr := e.Send(context.Background(), "p1", userRequest())
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindUpstream4xx, derr.Kind)
	assert.Equal(t, "p1", derr.ProviderID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	u := e.Stats().Usage("p1")
	assert.Equal(t, int64(1), u.TotalRequests)
	assert.Equal(t, int64(1), u.FailedRequests)
	assert.Equal(t, models.HealthDegraded, e.Stats().Health("p1").Status)
}

func TestSendExhaustsRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(testProvider(srv.URL), fakeSecrets{"openai": "sk"})
	_, derr := e.Send(context.Background(), "p1", userRequest())
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindUpstream5xx, derr.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	provider := testProvider(srv.URL)
	provider.TimeoutSeconds = 1
	provider.RetryAttempts = 1

	e := newTestEngine(provider, fakeSecrets{"openai": "sk"})
	_, derr := e.Send(context.Background(), "p1", userRequest())
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindTimeout, derr.Kind)
	assert.Equal(t, models.HealthDegraded, e.Stats().Health("p1").Status)
}

func TestSendInactiveProvider(t *testing.T) {
	provider := testProvider("http://unused")
	provider.Active = false

	e := newTestEngine(provider, fakeSecrets{"openai": "sk"})
	_, derr := e.Send(context.Background(), "p1", userRequest())
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindProviderNotFound, derr.Kind)
}

func TestSendMissingSecret(t *testing.T) {
	e := newTestEngine(testProvider("http://unused"), fakeSecrets{})
	_, derr := e.Send(context.Background(), "p1", userRequest())
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindProviderUnconfigured, derr.Kind)
}

func TestSendLocalRateLimitDenial(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	provider := testProvider(srv.URL)
	provider.RateLimitRequests = 1

	e := newTestEngine(provider, fakeSecrets{"openai": "sk"})
	_, derr := e.Send(context.Background(), "p1", userRequest())
	require.Nil(t, derr)

	_, derr = e.Send(context.Background(), "p1", userRequest())
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindRateLimitExceeded, derr.Kind)
	assert.Greater(t, derr.RetryAfter, time.Duration(0))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A local denial never reaches the upstream: usage and health reflect
	// only the first, successful call.
	u := e.Stats().Usage("p1")
	assert.Equal(t, int64(1), u.TotalRequests)
	assert.Zero(t, u.FailedRequests)
	assert.Equal(t, models.HealthHealthy, e.Stats().Health("p1").Status)
}

func TestSendValidatesRequest(t *testing.T) {
	e := newTestEngine(testProvider("http://unused"), fakeSecrets{"openai": "sk"})

	req := userRequest()
	temp := 5.0
	req.Temperature = &temp
	_, derr := e.Send(context.Background(), "p1", req)
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindInvalidArgument, derr.Kind)

	req = userRequest()
	req.Messages = append(req.Messages, models.ChatMessage{Role: models.RoleSystem, Content: "late"})
	_, derr = e.Send(context.Background(), "p1", req)
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindInvalidArgument, derr.Kind)

	req = userRequest()
	req.Messages = nil
	_, derr = e.Send(context.Background(), "p1", req)
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindInvalidArgument, derr.Kind)
}

func TestSendValidationPrecedesProviderAndSecretLookup(t *testing.T) {
	// No provider registered and no secret configured: a malformed request
	// must still fail validation, not provider or credential resolution.
	e := newTestEngine(nil, fakeSecrets{})

	req := userRequest()
	req.Messages = nil
	_, derr := e.Send(context.Background(), "p1", req)
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindInvalidArgument, derr.Kind)
}

func TestCheckProviderHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(okBody()))
	}))
	defer srv.Close()

	e := newTestEngine(testProvider(srv.URL), fakeSecrets{"openai": "sk"})
	health, derr := e.CheckProviderHealth(context.Background(), "p1")
	require.Nil(t, derr)
	assert.Equal(t, models.HealthHealthy, health.Status)

	// Probes touch health only.
	assert.Zero(t, e.Stats().Usage("p1").TotalRequests)
}

func TestCheckProviderHealthFailingUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestEngine(testProvider(srv.URL), fakeSecrets{"openai": "sk"})
	health, derr := e.CheckProviderHealth(context.Background(), "p1")
	require.Nil(t, derr)
	assert.Equal(t, models.HealthDegraded, health.Status)
	assert.NotEmpty(t, health.LastErrorMessage)
}
