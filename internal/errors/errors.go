package errors

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind classifies an error for callers. Every error that crosses a service
// boundary carries exactly one Kind so callers can handle both arms of the
// ok/err sum exhaustively instead of string-matching messages.
type Kind string

const (
	KindMissingProjectID     Kind = "missing_project_id"
	KindProjectNotFound      Kind = "project_not_found"
	KindSessionNotFound      Kind = "session_not_found"
	KindInvalidRole          Kind = "invalid_role"
	KindInvalidArgument      Kind = "invalid_argument"
	KindProviderNotFound     Kind = "provider_not_found"
	KindProviderUnconfigured Kind = "provider_unconfigured"
	KindUnsupportedProvider  Kind = "unsupported_provider"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindUpstream4xx          Kind = "upstream_4xx"
	KindUpstream5xx          Kind = "upstream_5xx"
	KindTransport            Kind = "transport_error"
	KindTimeout              Kind = "timeout"
	KindInternal             Kind = "internal"
)

// Error is the typed error surfaced by every component.
type Error struct {
	Kind    Kind
	Message string

	// Detail preserves the upstream provider's own error message, when any.
	Detail string

	// RetryAfter is set for rate_limit_exceeded: how long until a retry can
	// be admitted.
	RetryAfter time.Duration

	// Unbilled is set by adapters when the upstream rejection indicates the
	// request was never billed; the dispatch engine refunds rate-limiter
	// tokens for such failures.
	Unbilled bool

	// Attached identifiers, filled in as the error propagates outward.
	SessionID  string
	ProviderID string

	// Internal holds the wrapped cause for logging; never shown to callers.
	Internal error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Internal
}

// Retryable reports whether the dispatch engine may retry after this error.
// Upstream 429s are retryable only when the provider supplied a retry hint.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstream5xx, KindTransport, KindTimeout:
		return true
	case KindRateLimitExceeded:
		return e.RetryAfter > 0
	}
	return false
}

// WithSession returns a copy with the session id attached.
func (e *Error) WithSession(sessionID string) *Error {
	c := *e
	c.SessionID = sessionID
	return &c
}

// WithProvider returns a copy with the provider id attached.
func (e *Error) WithProvider(providerID string) *Error {
	c := *e
	c.ProviderID = providerID
	return &c
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func MissingProjectID() *Error {
	return New(KindMissingProjectID, "project id is required")
}

func ProjectNotFound(projectID string) *Error {
	return Newf(KindProjectNotFound, "project %s not found", projectID)
}

func SessionNotFound(sessionID string) *Error {
	e := Newf(KindSessionNotFound, "session %s not found", sessionID)
	e.SessionID = sessionID
	return e
}

func InvalidRole(role string) *Error {
	return Newf(KindInvalidRole, "invalid message role %q", role)
}

func InvalidArgument(message string) *Error {
	return New(KindInvalidArgument, message)
}

func ProviderNotFound(providerID string) *Error {
	e := Newf(KindProviderNotFound, "provider %s not found or inactive", providerID)
	e.ProviderID = providerID
	return e
}

func ProviderUnconfigured(name string) *Error {
	return Newf(KindProviderUnconfigured, "no API key configured for provider %s", name)
}

func UnsupportedProvider(family string) *Error {
	return Newf(KindUnsupportedProvider, "unsupported provider family %q", family)
}

func RateLimitExceeded(retryAfter time.Duration) *Error {
	e := New(KindRateLimitExceeded, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

func Upstream(status int, detail string) *Error {
	var e *Error
	if status >= 500 {
		e = Newf(KindUpstream5xx, "upstream returned status %d", status)
	} else {
		e = Newf(KindUpstream4xx, "upstream returned status %d", status)
	}
	e.Detail = detail
	e.Unbilled = true
	return e
}

func Transport(err error) *Error {
	e := New(KindTransport, "upstream request failed")
	e.Internal = err
	e.Unbilled = true
	return e
}

func Timeout(err error) *Error {
	e := New(KindTimeout, "upstream request timed out")
	e.Internal = err
	e.Unbilled = true
	return e
}

// Internal wraps an otherwise-unclassified bug. Logged at the point of
// classification so the cause is never lost.
func Internal(err error) *Error {
	log.Error().Err(err).Msg("internal error")
	return &Error{Kind: KindInternal, Message: "an unexpected error occurred", Internal: err}
}
