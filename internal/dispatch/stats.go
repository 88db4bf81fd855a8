package dispatch

import (
	"sync"
	"time"

	"chatdock/internal/models"
)

// Stats maintains per-provider usage counters and health snapshots in memory.
// Updates per provider are atomic but deliberately not linearizable across
// fields; readers get a consistent copy of one provider's row at a time.
type Stats struct {
	mu     sync.Mutex
	usage  map[string]*usageRow
	health map[string]*models.ProviderHealth
}

// usageRow carries the published counters plus the latency sample count. The
// running mean divides by samples, not total requests: failures have no
// latency sample and must not dilute the average.
type usageRow struct {
	models.UsageStats
	latencySamples int64
}

func NewStats() *Stats {
	return &Stats{
		usage:  make(map[string]*usageRow),
		health: make(map[string]*models.ProviderHealth),
	}
}

// RecordSuccess accounts a successful dispatch: counters, running-mean
// latency, and a health reset to healthy.
func (s *Stats) RecordSuccess(providerID string, usage models.TokenUsage, cost float64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.usageRowFor(providerID)
	u.TotalRequests++
	u.TotalTokensIn += int64(usage.PromptTokens)
	u.TotalTokensOut += int64(usage.CompletionTokens)
	u.TotalCost += cost
	// Incremental mean: avg += (sample - avg) / n. Stable and O(1) no matter
	// how long the history grows.
	u.latencySamples++
	u.AvgResponseTime += (latency - u.AvgResponseTime) / time.Duration(u.latencySamples)
	u.ErrorRate = float64(u.FailedRequests) / float64(u.TotalRequests)
	u.LastUsedAt = time.Now()

	h := s.healthRow(providerID)
	h.Status = models.HealthHealthy
	h.ConsecutiveFailures = 0
	h.LastCheckAt = time.Now()
	h.LastResponseTime = latency
	h.LastErrorMessage = ""
}

// RecordFailure accounts a terminally failed dispatch and degrades health:
// degraded at 1-2 consecutive failures, unhealthy at 3 or more.
func (s *Stats) RecordFailure(providerID, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.usageRowFor(providerID)
	u.TotalRequests++
	u.FailedRequests++
	u.ErrorRate = float64(u.FailedRequests) / float64(u.TotalRequests)
	u.LastUsedAt = time.Now()

	s.degrade(providerID, errorMessage)
}

// RecordProbe updates only the health snapshot from an explicit probe.
func (s *Stats) RecordProbe(providerID string, latency time.Duration, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errorMessage == "" {
		h := s.healthRow(providerID)
		h.Status = models.HealthHealthy
		h.ConsecutiveFailures = 0
		h.LastCheckAt = time.Now()
		h.LastResponseTime = latency
		h.LastErrorMessage = ""
		return
	}
	s.degrade(providerID, errorMessage)
}

func (s *Stats) degrade(providerID, errorMessage string) {
	h := s.healthRow(providerID)
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= 3 {
		h.Status = models.HealthUnhealthy
	} else {
		h.Status = models.HealthDegraded
	}
	h.LastCheckAt = time.Now()
	h.LastErrorMessage = errorMessage
}

// Usage returns a copy of the provider's usage row.
func (s *Stats) Usage(providerID string) models.UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageRowFor(providerID).UsageStats
}

// Health returns a copy of the provider's health snapshot.
func (s *Stats) Health(providerID string) models.ProviderHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.healthRow(providerID)
}

// Remove drops all rows for a provider; called when the provider is deleted.
func (s *Stats) Remove(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usage, providerID)
	delete(s.health, providerID)
}

func (s *Stats) usageRowFor(providerID string) *usageRow {
	u, ok := s.usage[providerID]
	if !ok {
		u = &usageRow{UsageStats: models.UsageStats{ProviderID: providerID}}
		s.usage[providerID] = u
	}
	return u
}

func (s *Stats) healthRow(providerID string) *models.ProviderHealth {
	h, ok := s.health[providerID]
	if !ok {
		h = &models.ProviderHealth{ProviderID: providerID, Status: models.HealthUnknown}
		s.health[providerID] = h
	}
	return h
}
