package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chatdock/internal/catalog"
	"chatdock/internal/config"
	apperrors "chatdock/internal/errors"
	"chatdock/internal/models"
	"chatdock/internal/store"
)

const autoTitleMaxRunes = 48

// SendMessageRequest is one conversational turn. MaxHistoryMessages caps how
// much stored history rides along when IncludeHistory is set: a negative
// value defers to the process-wide cap, zero sends no history at all.
type SendMessageRequest struct {
	SessionID          string
	ProjectID          string
	Content            string
	Model              string
	ProviderID         string
	MaxTokens          int
	Temperature        *float64
	SystemPrompt       string
	IncludeHistory     bool
	MaxHistoryMessages int
	Metadata           map[string]string
}

// SendMessageResult carries both persisted sides of a successful exchange.
type SendMessageResult struct {
	Session          *models.ChatSession
	UserMessage      *models.Message
	AssistantMessage *models.Message
}

// ContextPreferences are the per-session overrides a caller can pin between
// turns. Nil fields are left untouched; empty strings clear.
type ContextPreferences struct {
	PreferredProviderID *string
	PreferredModel      *string
	SystemPrompt        *string
}

// ConversationService orchestrates one chat turn: resolve the session, pick
// a provider and model, assemble the upstream message list, dispatch, and
// persist both sides of the exchange. Nothing is persisted when dispatch
// fails.
type ConversationService struct {
	store      *store.Store
	providers  ProviderResolver
	dispatcher Dispatcher
	catalog    *catalog.Catalog
	cfg        *config.Config
	logger     zerolog.Logger
}

func NewConversationService(
	st *store.Store,
	providers ProviderResolver,
	dispatcher Dispatcher,
	cat *catalog.Catalog,
	cfg *config.Config,
	logger zerolog.Logger,
) *ConversationService {
	return &ConversationService{
		store:      st,
		providers:  providers,
		dispatcher: dispatcher,
		catalog:    cat,
		cfg:        cfg,
		logger:     logger.With().Str("component", "conversation").Logger(),
	}
}

// SendMessage runs one full turn. Errors from dispatch come back unchanged
// apart from the session and provider ids attached for the caller.
func (c *ConversationService) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResult, *apperrors.Error) {
	if req == nil || strings.TrimSpace(req.Content) == "" {
		return nil, apperrors.InvalidArgument("message content is required")
	}

	sess, derr := c.store.GetSession(req.SessionID, req.ProjectID)
	if derr != nil {
		return nil, derr
	}
	if sess == nil {
		return nil, apperrors.SessionNotFound(req.SessionID)
	}

	cc, derr := c.store.GetContext(req.SessionID)
	if derr != nil {
		return nil, derr.WithSession(req.SessionID)
	}

	provider, derr := c.resolveProvider(req, cc)
	if derr != nil {
		return nil, derr.WithSession(req.SessionID)
	}
	model := c.resolveModel(req, cc)

	messages, derr := c.buildMessages(req, cc)
	if derr != nil {
		return nil, derr.WithSession(req.SessionID)
	}

	chatReq := &models.ChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if chatReq.MaxTokens <= 0 {
		chatReq.MaxTokens = c.cfg.DefaultMaxTokens
	}

	resp, derr := c.dispatcher.Send(ctx, provider.ID, chatReq)
	if derr != nil {
		// The turn never reached the model (or failed terminally): the user
		// message must not appear in history.
		return nil, derr.WithSession(req.SessionID)
	}

	userMsg := &models.Message{
		Role:     models.RoleUser,
		Content:  req.Content,
		Metadata: req.Metadata,
	}
	usage := resp.Usage
	assistantMsg := &models.Message{
		Role:         models.RoleAssistant,
		Content:      resp.Content,
		Model:        resp.Model,
		ProviderID:   provider.ID,
		Usage:        &usage,
		FinishReason: string(resp.FinishReason),
	}
	cost := c.catalog.Cost(resp.Model, resp.Usage)

	now := time.Now()
	sess, derr = c.store.AppendExchange(req.SessionID, req.ProjectID, userMsg, assistantMsg, func(cc *models.ConversationContext) {
		cc.MessageCount += 2
		cc.LastMessageAt = now
		cc.TokensIn += int64(resp.Usage.PromptTokens)
		cc.TokensOut += int64(resp.Usage.CompletionTokens)
		cc.TotalCost += cost
	})
	if derr != nil {
		return nil, derr.WithSession(req.SessionID)
	}

	if sess.Title == "" {
		sess.Title = autoTitle(req.Content)
		if updated, derr := c.store.UpdateSession(sess); derr == nil {
			sess = updated
		}
	}

	c.logger.Info().
		Str("session_id", req.SessionID).
		Str("provider_id", provider.ID).
		Str("model", resp.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Float64("cost", cost).
		Msg("exchange persisted")

	return &SendMessageResult{
		Session:          sess,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
	}, nil
}

// UpdatePreferences pins per-session provider, model, and system prompt
// overrides for subsequent turns.
func (c *ConversationService) UpdatePreferences(sessionID, projectID string, prefs ContextPreferences) (*models.ConversationContext, *apperrors.Error) {
	sess, derr := c.store.GetSession(sessionID, projectID)
	if derr != nil {
		return nil, derr
	}
	if sess == nil {
		return nil, apperrors.SessionNotFound(sessionID)
	}

	cc, derr := c.store.GetContext(sessionID)
	if derr != nil {
		return nil, derr.WithSession(sessionID)
	}
	if prefs.PreferredProviderID != nil {
		cc.PreferredProviderID = *prefs.PreferredProviderID
	}
	if prefs.PreferredModel != nil {
		cc.PreferredModel = *prefs.PreferredModel
	}
	if prefs.SystemPrompt != nil {
		cc.SystemPrompt = *prefs.SystemPrompt
	}
	if derr := c.store.SaveContext(cc); derr != nil {
		return nil, derr.WithSession(sessionID)
	}
	return cc, nil
}

// GetContext exposes the session's running context to callers.
func (c *ConversationService) GetContext(sessionID string) (*models.ConversationContext, *apperrors.Error) {
	return c.store.GetContext(sessionID)
}

// resolveProvider walks the selection chain: explicit request id, then the
// session's pinned provider, then the configured default, then the earliest
// active registration. An explicitly named provider must be active.
func (c *ConversationService) resolveProvider(req *SendMessageRequest, cc *models.ConversationContext) (*models.AIProvider, *apperrors.Error) {
	for _, id := range []string{req.ProviderID, cc.PreferredProviderID, c.cfg.DefaultProviderID} {
		if id == "" {
			continue
		}
		p, derr := c.providers.GetProvider(id)
		if derr != nil {
			return nil, derr
		}
		if !p.Active {
			return nil, apperrors.ProviderNotFound(id)
		}
		return p, nil
	}
	return c.providers.DefaultProvider()
}

func (c *ConversationService) resolveModel(req *SendMessageRequest, cc *models.ConversationContext) string {
	switch {
	case req.Model != "":
		return req.Model
	case cc.PreferredModel != "":
		return cc.PreferredModel
	case c.cfg.DefaultModel != "":
		return c.cfg.DefaultModel
	}
	return c.catalog.Default().ID
}

// buildMessages assembles system prompt, capped history window, and the new
// user turn. Stored system-role messages are dropped from the window so the
// prompt is never doubled.
func (c *ConversationService) buildMessages(req *SendMessageRequest, cc *models.ConversationContext) ([]models.ChatMessage, *apperrors.Error) {
	var messages []models.ChatMessage

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = cc.SystemPrompt
	}
	if systemPrompt != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: systemPrompt})
	}

	if req.IncludeHistory {
		window := c.cfg.MaxHistoryMessages
		if req.MaxHistoryMessages >= 0 && req.MaxHistoryMessages < window {
			window = req.MaxHistoryMessages
		}
		if window > 0 {
			history, derr := c.store.GetMessages(req.SessionID, req.ProjectID, 0, 0)
			if derr != nil {
				return nil, derr
			}
			turns := make([]*models.Message, 0, len(history))
			for _, m := range history {
				if m.Role == models.RoleSystem {
					continue
				}
				turns = append(turns, m)
			}
			if len(turns) > window {
				turns = turns[len(turns)-window:]
			}
			for _, m := range turns {
				messages = append(messages, models.ChatMessage{Role: m.Role, Content: m.Content})
			}
		}
	}

	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: req.Content})
	return messages, nil
}

// autoTitle derives a title from the opening turn of an untitled session.
func autoTitle(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if utf8.RuneCountInString(title) <= autoTitleMaxRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:autoTitleMaxRunes]))
}
