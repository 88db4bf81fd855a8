package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Upstream(500, "x").Retryable())
	assert.True(t, Transport(fmt.Errorf("refused")).Retryable())
	assert.True(t, Timeout(fmt.Errorf("deadline")).Retryable())
	assert.True(t, RateLimitExceeded(time.Second).Retryable())

	assert.False(t, Upstream(400, "x").Retryable())
	assert.False(t, RateLimitExceeded(0).Retryable())
	assert.False(t, InvalidArgument("x").Retryable())
	assert.False(t, SessionNotFound("s").Retryable())
}

func TestUpstreamClassification(t *testing.T) {
	e := Upstream(503, "overloaded")
	assert.Equal(t, KindUpstream5xx, e.Kind)
	assert.True(t, e.Unbilled)

	e = Upstream(404, "nope")
	assert.Equal(t, KindUpstream4xx, e.Kind)
	assert.True(t, e.Unbilled)
}

func TestWithSessionAndProviderCopy(t *testing.T) {
	base := SessionNotFound("s1")
	tagged := base.WithProvider("p1")

	assert.Empty(t, base.ProviderID)
	assert.Equal(t, "p1", tagged.ProviderID)
	assert.Equal(t, base.Kind, tagged.Kind)

	tagged2 := tagged.WithSession("s2")
	assert.Equal(t, "s2", tagged2.SessionID)
	assert.Equal(t, "p1", tagged2.ProviderID)
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	e := Transport(cause)
	assert.Equal(t, cause, e.Unwrap())
	assert.Contains(t, e.Error(), string(KindTransport))
}
