// Package errs defines the error taxonomy shared by the access control
// components. Security-sensitive categories are deliberately coarse: callers
// learn which category failed, never which sub-check.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrAuthenticationRequired means no credential was presented.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthenticationFailed covers unknown, expired, malformed and tampered
	// credentials alike.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAuthorizationDenied means the identity is valid but lacks scope, or
	// tried to reach another tenant's data.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrDecryptionFailed covers tampering, corruption and owner or platform
	// mismatch.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrCsrfValidationFailed means an OAuth state was missing, expired or
	// issued for another provider.
	ErrCsrfValidationFailed = errors.New("csrf validation failed")

	// ErrUpstreamProvider marks a recoverable failure talking to an identity
	// provider or platform token endpoint.
	ErrUpstreamProvider = errors.New("upstream provider error")

	// ErrInvalidInput is the only category whose message may reach a caller
	// verbatim.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCredentialNotFound means the caller has no active stored secret for
	// the requested platform.
	ErrCredentialNotFound = errors.New("stored credential not found")
)

// RateLimitError is returned when a request is throttled or the client is
// blocked.
type RateLimitError struct {
	RetryAfter time.Duration
	Blocked    bool
}

func (e *RateLimitError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("client blocked, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// InvalidInput wraps a descriptive message as ErrInvalidInput.
func InvalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
