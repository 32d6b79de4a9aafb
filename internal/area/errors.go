package area

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotConnected is returned when no credential is on file for a (user, service)
	ErrNotConnected = errors.New("service not connected")

	// ErrDisconnected is returned when a credential exists but requires re-authorization
	ErrDisconnected = errors.New("service disconnected, reconnection required")

	// ErrAuthExpired is returned when the provider rejects the access token
	ErrAuthExpired = errors.New("access token rejected")

	// ErrRefreshFatal is returned when a refresh is impossible (no refresh token, invalid grant)
	ErrRefreshFatal = errors.New("token refresh impossible")

	// ErrProviderUnavailable covers network errors, timeouts and 5xx responses
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited is returned when the provider applies backpressure
	ErrRateLimited = errors.New("provider rate limited")

	// ErrInvalidResponse is returned for malformed provider payloads
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrUnsupported is returned for unknown triggers or reactions
	ErrUnsupported = errors.New("unsupported trigger or reaction")

	// ErrRejected is a terminal provider rejection (validation, not found, forbidden)
	ErrRejected = errors.New("provider rejected request")

	// ErrInvalidParams is returned when reaction parameters are missing or fail to render
	ErrInvalidParams = errors.New("invalid reaction parameters")
)

// ProviderError wraps a classified failure of a provider call
type ProviderError struct {
	Service    ServiceID
	Op         string
	Status     int
	Kind       error
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the taxonomy kind and the underlying cause
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ClassifyStatus maps an HTTP status code to the error taxonomy
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout:
		return ErrProviderUnavailable
	case status >= 500:
		return ErrProviderUnavailable
	case status >= 400:
		return ErrRejected
	default:
		return nil
	}
}

// NewStatusError builds a ProviderError from an HTTP status
func NewStatusError(service ServiceID, op string, status int, body string) *ProviderError {
	kind := ClassifyStatus(status)
	if kind == nil {
		kind = ErrInvalidResponse
	}
	var cause error
	if body != "" {
		if len(body) > 256 {
			body = body[:256]
		}
		cause = errors.New(body)
	}
	return &ProviderError{Service: service, Op: op, Status: status, Kind: kind, Err: cause}
}

// RetryAfter extracts the provider-requested delay from a rate-limit error
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ReasonFor maps an error to the reason recorded on a failed or skipped outcome
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrRefreshFatal):
		return ReasonDisconnected
	case errors.Is(err, ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, ErrUnsupported):
		return ReasonUnsupportedReaction
	case errors.Is(err, ErrInvalidParams):
		return ReasonInvalidParams
	case errors.Is(err, ErrAuthExpired):
		return ReasonAuthExpired
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ReasonUnavailable
	case errors.Is(err, ErrInvalidResponse):
		return ReasonInvalidResponse
	case errors.Is(err, ErrRejected):
		return ReasonRejected
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return "error"
	}
}
