package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "chatdock/internal/errors"
)

// Limiter holds two token buckets per provider, one for requests/minute and
// one for tokens/minute. Admission is atomic: either both buckets have
// capacity and are decremented, or neither is.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*providerBuckets
	logger  zerolog.Logger
}

// providerBuckets pairs the rate.Limiters with per-bucket refund credits.
// Credits are netted against the next admission instead of going through
// Reservation.Cancel: Cancel caps its restore by how far lastEvent has
// advanced, so a refund after any intervening reservation restores nothing.
type providerBuckets struct {
	requests *rate.Limiter
	tokens   *rate.Limiter

	reqCredit int
	tokCredit int

	rpm int
	tpm int
}

// Admission is a granted reservation on both buckets. Refund returns the
// capacity when the upstream reports the request was never billed.
type Admission struct {
	limiter    *Limiter
	providerID string
	tokens     int
	once       sync.Once
}

func (a *Admission) Refund() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.limiter.refund(a.providerID, a.tokens)
	})
}

func New(logger zerolog.Logger) *Limiter {
	return &Limiter{
		buckets: make(map[string]*providerBuckets),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Configure creates or reconfigures the buckets for a provider. Limits are
// expressed per minute; buckets refill continuously and start full.
func (l *Limiter) Configure(providerID string, requestsPerMinute, tokensPerMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[providerID]
	if ok && b.rpm == requestsPerMinute && b.tpm == tokensPerMinute {
		return
	}
	l.buckets[providerID] = &providerBuckets{
		requests: rate.NewLimiter(perMinute(requestsPerMinute), max(requestsPerMinute, 1)),
		tokens:   rate.NewLimiter(perMinute(tokensPerMinute), max(tokensPerMinute, 1)),
		rpm:      requestsPerMinute,
		tpm:      tokensPerMinute,
	}
}

// Remove drops a provider's buckets, e.g. when the provider is deleted.
func (l *Limiter) Remove(providerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, providerID)
}

// Admit reserves one request slot and estimatedTokens token capacity. On
// denial it returns rate_limit_exceeded with RetryAfter set to the time until
// the slower bucket refills enough; nothing is consumed on denial.
func (l *Limiter) Admit(providerID string, estimatedTokens int) (*Admission, *apperrors.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[providerID]
	if !ok {
		return nil, apperrors.New(apperrors.KindInternal, "rate limiter not configured for provider "+providerID)
	}
	if estimatedTokens < 1 {
		estimatedTokens = 1
	}

	now := time.Now()
	if estimatedTokens > b.tokens.Burst()+b.tokCredit {
		// Can never fit; report the full refill window.
		return nil, apperrors.RateLimitExceeded(time.Minute)
	}

	// Outstanding refund credit covers part of the cost before the buckets
	// are asked for the remainder.
	reqNeed := 1 - min(b.reqCredit, 1)
	tokNeed := estimatedTokens - min(b.tokCredit, estimatedTokens)

	var reqDelay, tokDelay time.Duration
	var reqRes, tokRes *rate.Reservation
	if reqNeed > 0 {
		reqRes = b.requests.ReserveN(now, reqNeed)
		reqDelay = reqRes.DelayFrom(now)
	}
	if tokNeed > 0 {
		tokRes = b.tokens.ReserveN(now, tokNeed)
		tokDelay = tokRes.DelayFrom(now)
	}

	if reqDelay > 0 || tokDelay > 0 {
		if reqRes != nil {
			reqRes.CancelAt(now)
		}
		if tokRes != nil {
			tokRes.CancelAt(now)
		}
		retryAfter := reqDelay
		if tokDelay > retryAfter {
			retryAfter = tokDelay
		}
		l.logger.Debug().
			Str("provider_id", providerID).
			Int("estimated_tokens", estimatedTokens).
			Dur("retry_after", retryAfter).
			Msg("admission denied")
		return nil, apperrors.RateLimitExceeded(retryAfter)
	}

	b.reqCredit -= 1 - reqNeed
	b.tokCredit -= estimatedTokens - tokNeed
	return &Admission{limiter: l, providerID: providerID, tokens: estimatedTokens}, nil
}

// refund credits the admission's cost back to both buckets, capped at their
// capacity. Credits survive until an admission spends them, no matter how
// many reservations happen in between.
func (l *Limiter) refund(providerID string, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[providerID]
	if !ok {
		return
	}
	b.reqCredit = min(b.reqCredit+1, b.requests.Burst())
	b.tokCredit = min(b.tokCredit+tokens, b.tokens.Burst())
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
