package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

func anthropicProvider(baseURL string) *models.AIProvider {
	return &models.AIProvider{
		ID:      "p-anthropic",
		Name:    "anthropic",
		Family:  models.FamilyAnthropic,
		BaseURL: baseURL,
		Active:  true,
	}
}

func TestAnthropicCompleteWireFormat(t *testing.T) {
	var captured map[string]interface{}
	var gotKey, gotVersion string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/messages", r.URL.Path)
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg-1",
			"model": "claude-3-sonnet",
			"content": [{"type": "text", "text": "hi from claude"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 8}
		}`))
	}))
	defer srv.Close()

	adapter, derr := ForFamily(models.FamilyAnthropic, srv.Client(), zerolog.Nop())
	require.Nil(t, derr)

	resp, derr := adapter.Complete(context.Background(), anthropicProvider(srv.URL), "sk-ant", &models.ChatRequest{
		Model: "claude-3-sonnet",
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "be terse"},
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
			{Role: models.RoleUser, Content: "again"},
		},
		MaxTokens: 128,
	})
	require.Nil(t, derr)

	assert.Equal(t, "sk-ant", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)

	// The leading system message rides in the top-level field, not the list.
	assert.Equal(t, "be terse", captured["system"])
	msgs := captured["messages"].([]interface{})
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.NotEqual(t, "system", m.(map[string]interface{})["role"])
	}
	assert.Equal(t, float64(128), captured["max_tokens"])

	assert.Equal(t, "msg-1", resp.ID)
	assert.Equal(t, "hi from claude", resp.Content)
	assert.Equal(t, models.FinishStop, resp.FinishReason)
	// input/output remap to prompt/completion.
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
}

func TestAnthropicDefaultsMaxTokens(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{
			"id": "msg-2", "model": "claude-3-haiku",
			"content": [{"type": "text", "text": "ok"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	adapter, derr := ForFamily(models.FamilyAnthropic, srv.Client(), zerolog.Nop())
	require.Nil(t, derr)

	_, derr = adapter.Complete(context.Background(), anthropicProvider(srv.URL), "sk", &models.ChatRequest{
		Model:       "claude-3-haiku",
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Temperature: floatPtr(0),
	})
	require.Nil(t, derr)
	assert.Equal(t, float64(1024), captured["max_tokens"])

	// Explicit zero temperature reaches the wire.
	temp, ok := captured["temperature"]
	require.True(t, ok, "temperature missing from wire request")
	assert.Equal(t, float64(0), temp)
}

func TestAnthropicStopReasonMapping(t *testing.T) {
	assert.Equal(t, models.FinishStop, mapAnthropicStop("end_turn"))
	assert.Equal(t, models.FinishStop, mapAnthropicStop("stop_sequence"))
	assert.Equal(t, models.FinishLength, mapAnthropicStop("max_tokens"))
	assert.Equal(t, models.FinishOther, mapAnthropicStop("tool_use"))
}

func TestAnthropicMapsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"type": "api_error", "message": "overloaded"}}`))
	}))
	defer srv.Close()

	adapter, derr := ForFamily(models.FamilyAnthropic, srv.Client(), zerolog.Nop())
	require.Nil(t, derr)

	_, derr = adapter.Complete(context.Background(), anthropicProvider(srv.URL), "sk", &models.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindUpstream5xx, derr.Kind)
	assert.Equal(t, "overloaded", derr.Detail)
	assert.True(t, derr.Unbilled)
	assert.True(t, derr.Retryable())
}

func TestHoistSystem(t *testing.T) {
	system, rest := hoistSystem([]models.ChatMessage{
		{Role: models.RoleSystem, Content: "first"},
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleSystem, Content: "second"},
	})
	assert.Equal(t, "first", system)
	require.Len(t, rest, 1)
	assert.Equal(t, models.RoleUser, rest[0].Role)
}

func TestForFamilyUnsupported(t *testing.T) {
	_, derr := ForFamily(models.FamilyOther, &http.Client{}, zerolog.Nop())
	require.NotNil(t, derr)
	assert.Equal(t, apperrors.KindUnsupportedProvider, derr.Kind)
}
