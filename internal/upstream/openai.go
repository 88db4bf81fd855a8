package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

const openAIDefaultBase = "https://api.openai.com"

// OpenAIAdapter speaks the openai-compatible wire contract:
// POST {base}/v1/chat/completions with Bearer auth.
type OpenAIAdapter struct {
	client *http.Client
	logger zerolog.Logger
}

type openAIRequest struct {
	Model            string               `json:"model"`
	Messages         []models.ChatMessage `json:"messages"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
	Functions        []models.FunctionDef `json:"functions,omitempty"`
	FunctionCall     string               `json:"function_call,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (a *OpenAIAdapter) Complete(ctx context.Context, provider *models.AIProvider, apiKey string, req *models.ChatRequest) (*models.ChatResponse, *apperrors.Error) {
	body := openAIRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Functions:        req.Functions,
		FunctionCall:     req.FunctionCall,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	logger := a.logger.With().
		Str("model", req.Model).
		Int("message_count", len(req.Messages)).
		Logger()
	logger.Debug().Msg("sending chat completion request")

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(provider, openAIDefaultBase)+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if provider.OrganizationID != "" {
		httpReq.Header.Set("OpenAI-Organization", provider.OrganizationID)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		logger.Debug().Err(err).Dur("latency", time.Since(start)).Msg("request failed")
		return nil, apperrors.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.mapError(resp, logger)
	}

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("decoding chat completion response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return nil, apperrors.Internal(fmt.Errorf("upstream returned no choices"))
	}

	logger.Debug().
		Dur("latency", time.Since(start)).
		Int("prompt_tokens", decoded.Usage.PromptTokens).
		Int("completion_tokens", decoded.Usage.CompletionTokens).
		Msg("chat completion succeeded")

	return &models.ChatResponse{
		ID:           decoded.ID,
		Model:        decoded.Model,
		Content:      decoded.Choices[0].Message.Content,
		FinishReason: mapOpenAIFinish(decoded.Choices[0].FinishReason),
		Usage: models.TokenUsage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
		},
	}, nil
}

func (a *OpenAIAdapter) Probe(ctx context.Context, provider *models.AIProvider, apiKey string) (time.Duration, *apperrors.Error) {
	start := time.Now()
	_, err := a.Complete(ctx, provider, apiKey, &models.ChatRequest{
		Model:     "gpt-3.5-turbo",
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return time.Since(start), err
}

func (a *OpenAIAdapter) mapError(resp *http.Response, logger zerolog.Logger) *apperrors.Error {
	raw, _ := io.ReadAll(resp.Body)
	detail := string(raw)
	var parsed openAIError
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		detail = parsed.Error.Message
	}
	logger.Debug().Int("status", resp.StatusCode).Str("detail", detail).Msg("upstream error")

	if resp.StatusCode == http.StatusTooManyRequests {
		e := apperrors.RateLimitExceeded(parseRetryAfter(resp.Header))
		e.Detail = detail
		e.Unbilled = true
		return e
	}
	return apperrors.Upstream(resp.StatusCode, detail)
}

func mapOpenAIFinish(reason string) models.FinishReason {
	switch reason {
	case "stop":
		return models.FinishStop
	case "length":
		return models.FinishLength
	case "content_filter":
		return models.FinishContentFilter
	case "function_call", "tool_calls":
		return models.FinishFunctionCall
	default:
		return models.FinishOther
	}
}

func baseURL(provider *models.AIProvider, fallback string) string {
	if provider.BaseURL != "" {
		return strings.TrimRight(provider.BaseURL, "/")
	}
	return fallback
}
