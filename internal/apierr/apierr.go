// Package apierr defines the proxy's error taxonomy and its mapping onto
// outbound HTTP statuses and JSON error bodies.
package apierr

import (
	"errors"
	"net/http"
)

// Kind identifies one entry of the error taxonomy.
type Kind string

const (
	KindMissingCredential       Kind = "missing_credential"
	KindPresenterRateLimited    Kind = "presenter_rate_limited"
	KindCredentialLengthInvalid Kind = "credential_length_invalid"
	KindValidationFailed        Kind = "validation_failed"
	KindProviderMisconfigured   Kind = "provider_misconfigured"
	KindPoolEmpty               Kind = "pool_empty"
	KindUpstreamTimeout         Kind = "upstream_timeout"
	KindUpstreamUnreachable     Kind = "upstream_unreachable"
	KindInternal                Kind = "internal"
)

// Error carries a taxonomy kind, the outbound status and a human message.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// New builds a taxonomy error with its canonical status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Message: message}
}

// WithStatus overrides the canonical status (e.g. 504 for a timeout on the
// cacheable read path).
func (e *Error) WithStatus(status int) *Error {
	clone := *e
	clone.Status = status
	return &clone
}

// Body is the JSON error envelope returned to clients.
type Body struct {
	Err     string `json:"error"`
	Message string `json:"message"`
}

// BodyOf renders the JSON envelope for an error.
func BodyOf(e *Error) Body {
	return Body{Err: string(e.Kind), Message: e.Message}
}

// AsError extracts a taxonomy error, defaulting unknown faults to Internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(KindInternal, "internal error")
}

func statusFor(kind Kind) int {
	switch kind {
	case KindMissingCredential:
		return http.StatusUnauthorized
	case KindPresenterRateLimited:
		return http.StatusTooManyRequests
	case KindCredentialLengthInvalid, KindValidationFailed, KindProviderMisconfigured:
		return http.StatusBadRequest
	case KindPoolEmpty:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout, KindUpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
