package models

import "time"

// Role tags a message's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Project is the root of ownership: every session belongs to exactly one
// project for its lifetime. Projects form a forest via ParentID.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChatSession is an ordered append-only log of messages nested under a project.
// MessageCount is maintained together with every append and trusted by readers.
type ChatSession struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Active       bool              `json:"active"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	MessageCount int               `json:"message_count"`
}

// TokenUsage counts tokens billed for one exchange.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Message is one entry in a session's log. Messages are totally ordered by
// append position; timestamps are non-decreasing but position is what orders.
// Assistant messages carry the model/provider/usage of the exchange.
type Message struct {
	ID           string            `json:"id"`
	Role         Role              `json:"role"`
	Content      string            `json:"content"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Model        string            `json:"model,omitempty"`
	ProviderID   string            `json:"provider_id,omitempty"`
	Usage        *TokenUsage       `json:"usage,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
}

// ProviderFamily names a set of upstream APIs sharing a wire contract.
type ProviderFamily string

const (
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyOther     ProviderFamily = "other"
)

func (f ProviderFamily) Valid() bool {
	switch f {
	case FamilyOpenAI, FamilyAnthropic, FamilyOther:
		return true
	}
	return false
}

// AIProvider is a provider configuration record. The API key is never part of
// this record on disk; it lives in the credential file and is carried here
// only transiently on create/update.
type AIProvider struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Family            ProviderFamily `json:"family"`
	BaseURL           string         `json:"base_url,omitempty"`
	OrganizationID    string         `json:"organization_id,omitempty"`
	Active            bool           `json:"active"`
	RateLimitRequests int            `json:"rate_limit_requests"`
	RateLimitTokens   int            `json:"rate_limit_tokens"`
	TimeoutSeconds    int            `json:"timeout_seconds"`
	RetryAttempts     int            `json:"retry_attempts"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`

	APIKey string `json:"-"`
}

func (p *AIProvider) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// AIModel is one entry of the static model catalog.
type AIModel struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Family            ProviderFamily `json:"family"`
	ContextWindow     int            `json:"context_window"`
	MaxOutput         int            `json:"max_output"`
	SupportsFunctions bool           `json:"supports_functions"`
	SupportsVision    bool           `json:"supports_vision"`
	InputPricePer1K   float64        `json:"input_price_per_1k"`
	OutputPricePer1K  float64        `json:"output_price_per_1k"`
	Active            bool           `json:"active"`
}

// ConversationContext carries per-session running totals and preferences,
// orthogonal to the message log. Counters only grow.
type ConversationContext struct {
	SessionID           string    `json:"session_id"`
	MessageCount        int       `json:"message_count"`
	LastMessageAt       time.Time `json:"last_message_at"`
	TokensIn            int64     `json:"tokens_in"`
	TokensOut           int64     `json:"tokens_out"`
	TotalCost           float64   `json:"total_cost"`
	PreferredProviderID string    `json:"preferred_provider_id,omitempty"`
	PreferredModel      string    `json:"preferred_model,omitempty"`
	SystemPrompt        string    `json:"system_prompt,omitempty"`
}

// UsageStats accumulates per-provider accounting. AvgResponseTime is a
// running mean; counters are monotonically non-decreasing.
type UsageStats struct {
	ProviderID      string        `json:"provider_id"`
	TotalRequests   int64         `json:"total_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	TotalTokensIn   int64         `json:"total_tokens_in"`
	TotalTokensOut  int64         `json:"total_tokens_out"`
	TotalCost       float64       `json:"total_cost"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ErrorRate       float64       `json:"error_rate"`
	LastUsedAt      time.Time     `json:"last_used_at"`
}

// HealthStatus is the liveness/quality signal for a provider.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ProviderHealth is the most recent health snapshot for a provider.
type ProviderHealth struct {
	ProviderID          string        `json:"provider_id"`
	Status              HealthStatus  `json:"status"`
	LastCheckAt         time.Time     `json:"last_check_at"`
	LastResponseTime    time.Duration `json:"last_response_time"`
	LastErrorMessage    string        `json:"last_error_message,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}
