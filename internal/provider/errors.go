package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider API failure. Kinds are local,
// recoverable-by-retry classifications; clients never retry themselves.
type ErrorKind string

const (
	ErrNoCredential         ErrorKind = "no_credential"
	ErrUnauthorized         ErrorKind = "unauthorized"
	ErrRateLimited          ErrorKind = "rate_limited"
	ErrServerError          ErrorKind = "server_error"
	ErrNetworkError         ErrorKind = "network_error"
	ErrMalformedResponse    ErrorKind = "malformed_response"
	ErrAcknowledgmentFailed ErrorKind = "acknowledgment_failed"
)

// APIError is a classified provider API failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int // transport status, if any
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error %s (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("provider error %s: %s", e.Kind, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient: rate limiting,
// server errors and transport failures clear up on their own, the rest
// need operator action.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimited, ErrServerError, ErrNetworkError:
		return true
	}
	return false
}

// KindOf extracts the ErrorKind from an error chain. Returns an empty
// kind for non-provider errors.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
