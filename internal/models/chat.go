package models

// ChatMessage is one role-tagged entry of the uniform upstream request.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FunctionDef declares a callable function to families that support it;
// families that do not simply ignore the declarations.
type FunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatRequest is the uniform request sent through the dispatch engine,
// translated per provider family by the upstream adapters.
// Sampling knobs are pointers so an explicit zero is distinguishable from
// unset: zero temperature is a valid request for deterministic sampling and
// must reach the wire rather than fall back to the upstream default.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	Functions        []FunctionDef `json:"functions,omitempty"`
	FunctionCall     string        `json:"function_call,omitempty"`
}

// FinishReason explains why the upstream stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishFunctionCall  FinishReason = "function_call"
	FinishOther         FinishReason = "other"
)

// ChatResponse is the uniform response produced by an upstream adapter.
type ChatResponse struct {
	ID           string            `json:"id"`
	Model        string            `json:"model"`
	Content      string            `json:"content"`
	FinishReason FinishReason      `json:"finish_reason"`
	Usage        TokenUsage        `json:"usage"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
