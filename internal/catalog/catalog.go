package catalog

import (
	"strings"

	"chatdock/internal/models"
)

const defaultModelID = "gpt-3.5-turbo"

// Catalog is the static in-memory model table loaded at startup. It is not
// user-mutable; callers should still allow explicit overrides via config
// because providers change limits and prices.
type Catalog struct {
	models    map[string]models.AIModel
	defaultID string
}

func New() *Catalog {
	c := &Catalog{models: make(map[string]models.AIModel), defaultID: defaultModelID}
	for _, m := range seed() {
		c.models[m.ID] = m
	}
	return c
}

// Lookup finds a model by id, exact first, then case-insensitive.
func (c *Catalog) Lookup(modelID string) (models.AIModel, bool) {
	if m, ok := c.models[modelID]; ok {
		return m, true
	}
	m, ok := c.models[strings.ToLower(strings.TrimSpace(modelID))]
	return m, ok
}

func (c *Catalog) Default() models.AIModel {
	return c.models[c.defaultID]
}

// Cost computes the exchange cost in dollars from the declared price table.
// Unknown models cost zero; the accounting is only as exact as the table.
func (c *Catalog) Cost(modelID string, usage models.TokenUsage) float64 {
	m, ok := c.Lookup(modelID)
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*m.InputPricePer1K +
		float64(usage.CompletionTokens)/1000*m.OutputPricePer1K
}

// MaxOutput returns the model's default completion budget, used to estimate
// token cost for rate-limit admission when the request does not cap output.
func (c *Catalog) MaxOutput(modelID string) int {
	if m, ok := c.Lookup(modelID); ok {
		return m.MaxOutput
	}
	return c.Default().MaxOutput
}

func seed() []models.AIModel {
	return []models.AIModel{
		{
			ID: "gpt-4", Name: "GPT-4", Family: models.FamilyOpenAI,
			ContextWindow: 8192, MaxOutput: 4096,
			SupportsFunctions: true,
			InputPricePer1K:   0.03, OutputPricePer1K: 0.06,
			Active: true,
		},
		{
			ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Family: models.FamilyOpenAI,
			ContextWindow: 128000, MaxOutput: 4096,
			SupportsFunctions: true, SupportsVision: true,
			InputPricePer1K: 0.01, OutputPricePer1K: 0.03,
			Active: true,
		},
		{
			ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Family: models.FamilyOpenAI,
			ContextWindow: 16385, MaxOutput: 4096,
			SupportsFunctions: true,
			InputPricePer1K:   0.0005, OutputPricePer1K: 0.0015,
			Active: true,
		},
		{
			ID: "claude-3-opus", Name: "Claude 3 Opus", Family: models.FamilyAnthropic,
			ContextWindow: 200000, MaxOutput: 4096,
			SupportsVision:  true,
			InputPricePer1K: 0.015, OutputPricePer1K: 0.075,
			Active: true,
		},
		{
			ID: "claude-3-sonnet", Name: "Claude 3 Sonnet", Family: models.FamilyAnthropic,
			ContextWindow: 200000, MaxOutput: 4096,
			SupportsVision:  true,
			InputPricePer1K: 0.003, OutputPricePer1K: 0.015,
			Active: true,
		},
		{
			ID: "claude-3-haiku", Name: "Claude 3 Haiku", Family: models.FamilyAnthropic,
			ContextWindow: 200000, MaxOutput: 4096,
			SupportsVision:  true,
			InputPricePer1K: 0.00025, OutputPricePer1K: 0.00125,
			Active: true,
		},
	}
}
