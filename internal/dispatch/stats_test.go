package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatdock/internal/models"
)

func TestRecordSuccessAccumulates(t *testing.T) {
	s := NewStats()
	usage := models.TokenUsage{PromptTokens: 100, CompletionTokens: 50}

	s.RecordSuccess("p1", usage, 0.01, 100*time.Millisecond)
	s.RecordSuccess("p1", usage, 0.01, 300*time.Millisecond)

	u := s.Usage("p1")
	assert.Equal(t, int64(2), u.TotalRequests)
	assert.Equal(t, int64(0), u.FailedRequests)
	assert.Equal(t, int64(200), u.TotalTokensIn)
	assert.Equal(t, int64(100), u.TotalTokensOut)
	assert.InDelta(t, 0.02, u.TotalCost, 1e-9)
	assert.Equal(t, 200*time.Millisecond, u.AvgResponseTime)
	assert.Zero(t, u.ErrorRate)
}

func TestRunningMeanLatency(t *testing.T) {
	s := NewStats()
	samples := []time.Duration{100, 200, 600} // mean 300
	for _, d := range samples {
		s.RecordSuccess("p1", models.TokenUsage{}, 0, d*time.Millisecond)
	}
	assert.Equal(t, 300*time.Millisecond, s.Usage("p1").AvgResponseTime)
}

func TestRunningMeanIgnoresFailures(t *testing.T) {
	s := NewStats()
	s.RecordSuccess("p1", models.TokenUsage{}, 0, 100*time.Millisecond)
	s.RecordFailure("p1", "boom")
	s.RecordSuccess("p1", models.TokenUsage{}, 0, 200*time.Millisecond)

	// Failures carry no latency sample: the mean is over successes only.
	u := s.Usage("p1")
	assert.Equal(t, 150*time.Millisecond, u.AvgResponseTime)
	assert.Equal(t, int64(3), u.TotalRequests)
	assert.Equal(t, int64(1), u.FailedRequests)
}

func TestErrorRate(t *testing.T) {
	s := NewStats()
	s.RecordSuccess("p1", models.TokenUsage{}, 0, time.Millisecond)
	s.RecordFailure("p1", "boom")
	s.RecordFailure("p1", "boom")
	s.RecordFailure("p1", "boom")

	u := s.Usage("p1")
	assert.Equal(t, int64(4), u.TotalRequests)
	assert.Equal(t, int64(3), u.FailedRequests)
	assert.InDelta(t, 0.75, u.ErrorRate, 1e-9)
}

func TestHealthTransitions(t *testing.T) {
	s := NewStats()

	assert.Equal(t, models.HealthUnknown, s.Health("p1").Status)

	s.RecordFailure("p1", "timeout")
	assert.Equal(t, models.HealthDegraded, s.Health("p1").Status)

	s.RecordFailure("p1", "timeout")
	assert.Equal(t, models.HealthDegraded, s.Health("p1").Status)

	s.RecordFailure("p1", "timeout")
	h := s.Health("p1")
	assert.Equal(t, models.HealthUnhealthy, h.Status)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, "timeout", h.LastErrorMessage)

	s.RecordSuccess("p1", models.TokenUsage{}, 0, time.Millisecond)
	h = s.Health("p1")
	assert.Equal(t, models.HealthHealthy, h.Status)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastErrorMessage)
}

func TestRecordProbeTouchesOnlyHealth(t *testing.T) {
	s := NewStats()

	s.RecordProbe("p1", 50*time.Millisecond, "")
	assert.Equal(t, models.HealthHealthy, s.Health("p1").Status)
	assert.Zero(t, s.Usage("p1").TotalRequests)

	s.RecordProbe("p1", 0, "connection refused")
	h := s.Health("p1")
	assert.Equal(t, models.HealthDegraded, h.Status)
	assert.Equal(t, "connection refused", h.LastErrorMessage)
	assert.Zero(t, s.Usage("p1").TotalRequests)
}

func TestRemove(t *testing.T) {
	s := NewStats()
	s.RecordSuccess("p1", models.TokenUsage{PromptTokens: 1}, 0, time.Millisecond)
	s.Remove("p1")

	assert.Zero(t, s.Usage("p1").TotalRequests)
	assert.Equal(t, models.HealthUnknown, s.Health("p1").Status)
}
