package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	anthropicMaxTokens   = 1024 // the API requires max_tokens; used when the request leaves it unset
)

// AnthropicAdapter speaks the anthropic-compatible wire contract:
// POST {base}/v1/messages with x-api-key auth. The first system-role message
// is hoisted into the top-level system field.
type AnthropicAdapter struct {
	client *http.Client
	logger zerolog.Logger
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	Stop        []string             `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicAdapter) Complete(ctx context.Context, provider *models.AIProvider, apiKey string, req *models.ChatRequest) (*models.ChatResponse, *apperrors.Error) {
	system, rest := hoistSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		System:      system,
		Messages:    rest,
		Stop:        req.Stop,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	logger := a.logger.With().
		Str("model", req.Model).
		Int("message_count", len(rest)).
		Logger()
	logger.Debug().Msg("sending messages request")

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(provider, anthropicDefaultBase)+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		logger.Debug().Err(err).Dur("latency", time.Since(start)).Msg("request failed")
		return nil, apperrors.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.mapError(resp, logger)
	}

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("decoding messages response: %w", err))
	}
	if len(decoded.Content) == 0 {
		return nil, apperrors.Internal(fmt.Errorf("upstream returned no content blocks"))
	}

	logger.Debug().
		Dur("latency", time.Since(start)).
		Int("input_tokens", decoded.Usage.InputTokens).
		Int("output_tokens", decoded.Usage.OutputTokens).
		Msg("messages request succeeded")

	return &models.ChatResponse{
		ID:           decoded.ID,
		Model:        decoded.Model,
		Content:      decoded.Content[0].Text,
		FinishReason: mapAnthropicStop(decoded.StopReason),
		Usage: models.TokenUsage{
			PromptTokens:     decoded.Usage.InputTokens,
			CompletionTokens: decoded.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicAdapter) Probe(ctx context.Context, provider *models.AIProvider, apiKey string) (time.Duration, *apperrors.Error) {
	start := time.Now()
	_, err := a.Complete(ctx, provider, apiKey, &models.ChatRequest{
		Model:     "claude-3-haiku",
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return time.Since(start), err
}

func (a *AnthropicAdapter) mapError(resp *http.Response, logger zerolog.Logger) *apperrors.Error {
	raw, _ := io.ReadAll(resp.Body)
	detail := string(raw)
	var parsed anthropicError
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

// hoistSystem extracts the first system-role message for the top-level system
// field; any further system messages are dropped rather than sent in a role
// the API rejects.
func hoistSystem(msgs []models.ChatMessage) (string, []models.ChatMessage) {
	system := ""
	rest := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			if system == "" {
				system = m.Content
			}
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func mapAnthropicStop(reason string) models.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return models.FinishStop
	case "max_tokens":
		return models.FinishLength
	default:
		return models.FinishOther
	}
}
